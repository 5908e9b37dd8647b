// Package webhook delivers messages as JSON POSTs to recipient URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

type Config struct {
	Timeout time.Duration
	// Headers are attached to every request (auth tokens, content hints).
	Headers map[string]string
}

type Provider struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

type payload struct {
	ID       string `json:"id"`
	Subject  string `json:"subject,omitempty"`
	Text     string `json:"text"`
	HTML     string `json:"html,omitempty"`
	Severity string `json:"severity,omitempty"`
	Category string `json:"category,omitempty"`
	SentAt   string `json:"sent_at"`
}

func New(cfg Config, log logx.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}
}

func (p *Provider) Name() string { return "webhook" }

// Send POSTs the message to the recipient URL. Non-2xx responses are
// transport failures; the failover controller decides what happens next.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Receipt, error) {
	target := strings.TrimSpace(msg.Address)
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return notify.Receipt{}, fmt.Errorf("malformed webhook url %q", msg.Address)
	}

	id := uuid.NewString()
	body, err := json.Marshal(payload{
		ID:       id,
		Subject:  msg.Subject,
		Text:     msg.Text,
		HTML:     msg.HTML,
		Severity: msg.Meta["severity"],
		Category: msg.Meta["category"],
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("webhook payload: %w", err)
	}

	method := http.MethodPost
	if m := strings.ToUpper(strings.TrimSpace(msg.Meta["method"])); m != "" {
		method = m
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("webhook send: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return notify.Receipt{}, fmt.Errorf("webhook send: unexpected status %d", resp.StatusCode)
	}
	return notify.Receipt{MessageID: id}, nil
}
