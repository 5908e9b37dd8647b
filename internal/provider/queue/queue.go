// Package queue delivers messages by publishing them to an AMQP exchange.
// Downstream consumers (ticketing bridges, SIEM ingestors) pick them up
// from their own bound queues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/retry"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string // default when the recipient address is empty
}

// DialStrategy bounds the initial connection attempts. Publishing itself
// is never retried here; that is the failover controller's job.
var DialStrategy = retry.Strategy{
	Attempts: 5,
	Delay:    500 * time.Millisecond,
	Backoff:  2,
}

type Provider struct {
	cfg     Config
	log     logx.Logger
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, errors.New("amqp exchange is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var conn *amqp091.Connection
	err := retry.DoContext(ctx, DialStrategy, func() error {
		var derr error
		conn, derr = amqp091.Dial(cfg.URL)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}

	return &Provider{cfg: cfg, log: log, conn: conn, channel: ch}, nil
}

func (p *Provider) Name() string { return "amqp:" + p.cfg.Exchange }

type envelope struct {
	Subject  string `json:"subject,omitempty"`
	Text     string `json:"text"`
	Severity string `json:"severity,omitempty"`
	Category string `json:"category,omitempty"`
	SentAt   string `json:"sent_at"`
}

// Send publishes one message. The recipient address is the routing key.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Receipt, error) {
	key := strings.TrimSpace(msg.Address)
	if key == "" {
		key = p.cfg.RoutingKey
	}
	if key == "" {
		return notify.Receipt{}, errors.New("no routing key for queue message")
	}

	body, err := json.Marshal(envelope{
		Subject:  msg.Subject,
		Text:     msg.Text,
		Severity: msg.Meta["severity"],
		Category: msg.Meta["category"],
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("queue payload: %w", err)
	}

	msgID := fmt.Sprintf("%s.%d", key, time.Now().UnixNano())
	err = p.channel.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   msgID,
		Body:        body,
	})
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("amqp publish: %w", err)
	}
	return notify.Receipt{MessageID: msgID}, nil
}

func (p *Provider) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
