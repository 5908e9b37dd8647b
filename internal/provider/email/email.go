// Package email delivers messages over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 587
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// sendFunc matches smtp.SendMail; swapped in tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Provider struct {
	cfg  Config
	log  logx.Logger
	send sendFunc
}

func New(cfg Config, log logx.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{cfg: cfg.withDefaults(), log: log, send: smtp.SendMail}, nil
}

func (p *Provider) Name() string { return "smtp:" + p.cfg.Host }

// Send delivers one message. No internal retry; transport failures come
// back as errors for the failover controller to act on.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Receipt, error) {
	to := strings.TrimSpace(msg.Address)
	if to == "" || !strings.Contains(to, "@") {
		return notify.Receipt{}, fmt.Errorf("malformed email address %q", msg.Address)
	}

	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	id := uuid.NewString()
	payload := buildMessage(p.cfg.From, to, msg, id)

	// net/smtp has no context support; bound the call ourselves so a stuck
	// server can't hang a delivery worker.
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.send(addr, auth, p.cfg.From, []string{to}, payload) }()

	select {
	case err := <-done:
		if err != nil {
			return notify.Receipt{}, fmt.Errorf("smtp send: %w", err)
		}
		return notify.Receipt{MessageID: id}, nil
	case <-callCtx.Done():
		return notify.Receipt{}, fmt.Errorf("smtp send: %w", callCtx.Err())
	}
}

func buildMessage(from, to string, msg notify.Message, id string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Message-ID: <%s@herald>\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.Text)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitizeHeader strips CR/LF so message content can't inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
