// Package telegram delivers messages to Telegram chats via the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration
	// Offline skips the startup getMe probe (tests, air-gapped boots).
	Offline bool
}

type Provider struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Provider{cfg: cfg, log: log, bot: b}, nil
}

func (p *Provider) Name() string { return "telegram" }

// Send posts one message to the chat id carried in msg.Address.
func (p *Provider) Send(ctx context.Context, msg notify.Message) (notify.Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Address), 10, 64)
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("malformed telegram chat id %q", msg.Address)
	}

	select {
	case <-ctx.Done():
		return notify.Receipt{}, ctx.Err()
	default:
	}

	text := msg.Text
	if msg.Subject != "" {
		text = "<b>" + msg.Subject + "</b>\n" + text
	}

	sent, err := p.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return notify.Receipt{}, fmt.Errorf("telegram send: %w", err)
	}
	return notify.Receipt{MessageID: strconv.Itoa(sent.ID)}, nil
}
