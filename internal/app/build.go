package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herald/internal/config"
	"herald/internal/delivery"
	"herald/internal/notify"
	"herald/internal/provider/email"
	"herald/internal/provider/telegram"
	"herald/internal/provider/webhook"
	"herald/internal/render"
	"herald/internal/schedule"
	"herald/internal/services/deferred"
	"herald/internal/services/dispatch"
	"herald/internal/services/scheduler"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.TrimSpace(cfg.Storage.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	retention, err := parseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}
	if retention < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.retention must be >= 0")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path required for driver %q", driver)
	}
	return storage.Config{Driver: driver, Path: cfg.Storage.Path, BusyTimeout: busy, Retention: retention}, true, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := parseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	if cfg.Scheduler.HistorySize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.history_size must be >= 0")
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
		HistorySize:  cfg.Scheduler.HistorySize,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg.Dispatch.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	batch, err := parseDurationOrDefault("dispatch.batch_interval", cfg.Dispatch.BatchInterval, 5*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	dig, err := parseDurationOrDefault("dispatch.digest_interval", cfg.Dispatch.DigestInterval, 30*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}

	rules, err := mapRules(cfg.Rules)
	if err != nil {
		return dispatch.Config{}, err
	}

	out := dispatch.Config{
		Enabled:        cfg.Dispatch.Enabled,
		Workers:        cfg.Dispatch.Workers,
		BatchInterval:  batch,
		DigestInterval: dig,
		Rules:          rules,
		HistorySize:    cfg.Dispatch.HistorySize,
	}

	if name := strings.TrimSpace(cfg.Dispatch.FallbackRecipient); name != "" {
		recipients, err := mapRecipients(cfg.Recipients)
		if err != nil {
			return dispatch.Config{}, err
		}
		found := false
		for _, r := range recipients {
			if r.ID == name {
				fb := r
				out.Fallback = &fb
				found = true
				break
			}
		}
		if !found {
			return dispatch.Config{}, fmt.Errorf("dispatch.fallback_recipient %q is not a configured recipient", name)
		}
	}
	return out, nil
}

func mapDeferredConfig(cfg *config.Config) (deferred.Config, error) {
	if cfg.Deferred == nil {
		return deferred.Config{Enabled: true}, nil
	}
	poll, err := parseDurationOrDefault("deferred.poll_interval", cfg.Deferred.PollInterval, 30*time.Second)
	if err != nil {
		return deferred.Config{}, err
	}
	if cfg.Deferred.BatchLimit < 0 {
		return deferred.Config{}, fmt.Errorf("deferred.batch_limit must be >= 0")
	}
	return deferred.Config{
		Enabled:      cfg.Deferred.Enabled,
		PollInterval: poll,
		BatchLimit:   cfg.Deferred.BatchLimit,
	}, nil
}

func mapRecipients(in []config.RecipientConfig) ([]notify.Recipient, error) {
	out := make([]notify.Recipient, 0, len(in))
	seen := map[string]struct{}{}
	for _, rc := range in {
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return nil, fmt.Errorf("recipients[]: id required")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("recipients: duplicate id %q", id)
		}
		seen[id] = struct{}{}

		addrs := make(map[notify.Channel]string, len(rc.Addresses))
		for chName, addr := range rc.Addresses {
			ch := notify.Channel(chName)
			if !notify.ValidChannel(ch) {
				return nil, fmt.Errorf("recipient %s: unknown channel %q", id, chName)
			}
			addrs[ch] = addr
		}

		prefs := notify.Preferences{Disabled: rc.Disabled}
		for _, cp := range rc.Channels {
			ch := notify.Channel(cp.Channel)
			if !notify.ValidChannel(ch) {
				return nil, fmt.Errorf("recipient %s: unknown channel %q", id, cp.Channel)
			}
			prefs.Channels = append(prefs.Channels, notify.ChannelPref{Channel: ch, Priority: cp.Priority})
		}
		if f := strings.TrimSpace(rc.Frequency); f != "" {
			switch notify.Frequency(f) {
			case notify.FrequencyImmediate, notify.FrequencyBatched, notify.FrequencyDigest:
				prefs.Frequency = notify.Frequency(f)
			default:
				return nil, fmt.Errorf("recipient %s: unknown frequency %q", id, f)
			}
		}
		for _, c := range rc.Categories {
			cat := notify.Category(c)
			if !notify.ValidCategory(cat) {
				return nil, fmt.Errorf("recipient %s: unknown category %q", id, c)
			}
			prefs.Categories = append(prefs.Categories, cat)
		}
		if ms := strings.TrimSpace(rc.MinSeverity); ms != "" {
			sev, err := notify.ParseSeverity(ms)
			if err != nil {
				return nil, fmt.Errorf("recipient %s: %w", id, err)
			}
			prefs.MinSeverity = sev
		}
		if rc.QuietHours != nil {
			if err := validateHHMMWindow(id, rc.QuietHours); err != nil {
				return nil, err
			}
			prefs.QuietHours = &notify.QuietHours{
				Start:    rc.QuietHours.Start,
				End:      rc.QuietHours.End,
				Timezone: rc.QuietHours.Timezone,
			}
		}

		out = append(out, notify.Recipient{ID: id, Addresses: addrs, Prefs: prefs})
	}
	return out, nil
}

func validateHHMMWindow(owner string, w *config.QuietHoursConfig) error {
	for _, part := range []struct{ name, v string }{{"start", w.Start}, {"end", w.End}} {
		var h, m int
		if n, err := fmt.Sscanf(part.v, "%d:%d", &h, &m); err != nil || n != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
			return fmt.Errorf("%s: quiet_hours.%s: invalid time %q (want HH:MM)", owner, part.name, part.v)
		}
	}
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%s: quiet_hours.timezone: %w", owner, err)
		}
	}
	return nil
}

func mapRules(in []config.RuleConfig) ([]dispatch.Rule, error) {
	out := make([]dispatch.Rule, 0, len(in))
	for i, rc := range in {
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return nil, fmt.Errorf("rules[%d]: id required", i)
		}
		r := dispatch.Rule{ID: id, Name: rc.Name, Priority: rc.Priority, Disabled: rc.Disabled}

		for _, c := range rc.When.Categories {
			cat := notify.Category(c)
			if !notify.ValidCategory(cat) {
				return nil, fmt.Errorf("rule %s: unknown category %q", id, c)
			}
			r.When.Categories = append(r.When.Categories, cat)
		}
		for _, sv := range rc.When.Severities {
			sev, err := notify.ParseSeverity(sv)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", id, err)
			}
			r.When.Severities = append(r.When.Severities, sev)
		}
		r.When.Keyword = rc.When.Keyword
		if rc.When.Window != nil {
			if err := validateHHMMWindow("rule "+id, rc.When.Window); err != nil {
				return nil, err
			}
			r.When.Window = &dispatch.TimeWindow{
				Start:    rc.When.Window.Start,
				End:      rc.When.Window.End,
				Timezone: rc.When.Window.Timezone,
			}
		}

		for _, ch := range rc.Then.Channels {
			c := notify.Channel(ch)
			if !notify.ValidChannel(c) {
				return nil, fmt.Errorf("rule %s: unknown channel %q", id, ch)
			}
			r.Then.Channels = append(r.Then.Channels, c)
		}
		delay, err := parseDurationField("rule "+id+".then.delay", rc.Then.Delay)
		if err != nil {
			return nil, err
		}
		r.Then.Delay = delay
		r.Then.Template = rc.Then.Template
		out = append(out, r)
	}
	return out, nil
}

// buildProviders constructs the enabled channel providers and registers
// them on a fresh delivery registry. The AMQP provider dials eagerly, so
// it is built by the caller (App) which owns the connection lifecycle.
func buildProviders(cfg *config.Config, log logx.Logger) (map[notify.Channel][]notify.Provider, error) {
	out := map[notify.Channel][]notify.Provider{}

	if ec := cfg.Providers.Email; ec != nil && ec.Enabled {
		timeout, err := parseDurationField("providers.email.timeout", ec.Timeout)
		if err != nil {
			return nil, err
		}
		p, err := email.New(email.Config{
			Host:     ec.Host,
			Port:     ec.Port,
			Username: ec.Username,
			Password: ec.Password,
			From:     ec.From,
			Timeout:  timeout,
		}, log.With(logx.String("provider", "email")))
		if err != nil {
			return nil, fmt.Errorf("providers.email: %w", err)
		}
		out[notify.ChannelEmail] = append(out[notify.ChannelEmail], p)
	}

	if tc := cfg.Providers.Telegram; tc != nil && tc.Enabled {
		timeout, err := parseDurationField("providers.telegram.timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		p, err := telegram.New(telegram.Config{Token: tc.Token, Timeout: timeout},
			log.With(logx.String("provider", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("providers.telegram: %w", err)
		}
		out[notify.ChannelTelegram] = append(out[notify.ChannelTelegram], p)
	}

	if wc := cfg.Providers.Webhook; wc != nil && wc.Enabled {
		timeout, err := parseDurationField("providers.webhook.timeout", wc.Timeout)
		if err != nil {
			return nil, err
		}
		p := webhook.New(webhook.Config{Timeout: timeout, Headers: wc.Headers},
			log.With(logx.String("provider", "webhook")))
		out[notify.ChannelWebhook] = append(out[notify.ChannelWebhook], p)
	}

	return out, nil
}

func applyRates(reg *delivery.Registry, rates map[string]int) error {
	for chName, perSec := range rates {
		ch := notify.Channel(chName)
		if !notify.ValidChannel(ch) {
			return fmt.Errorf("rates: unknown channel %q", chName)
		}
		reg.SetRate(ch, perSec)
	}
	return nil
}

func mapFailoverOptions(cfg *config.Config) (delivery.Options, error) {
	if cfg.Failover.MaxRetries < 0 {
		return delivery.Options{}, fmt.Errorf("failover.max_retries must be >= 0")
	}
	base, err := parseDurationField("failover.base_delay", cfg.Failover.BaseDelay)
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{MaxRetries: cfg.Failover.MaxRetries, BaseDelay: base}, nil
}

func buildRenderer(cfg *config.Config) (*render.Engine, error) {
	eng := render.NewEngine()
	for name, tc := range cfg.Templates {
		err := eng.Register(name, render.Template{Subject: tc.Subject, Text: tc.Text, HTML: tc.HTML})
		if err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// seedConfiguredSchedules merges declaratively configured schedules into
// the registry. Config-declared schedules are keyed by name; an existing
// schedule with the same name is updated in place rather than duplicated.
func seedConfiguredSchedules(ctx context.Context, reg *schedule.Registry, in []config.ScheduleConfig, log logx.Logger) error {
	byName := map[string]schedule.Config{}
	for _, existing := range reg.List() {
		byName[existing.Name] = existing
	}
	for _, sc := range in {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("schedules[]: name required")
		}
		if existing, ok := byName[name]; ok {
			upd := schedule.Update{
				CronExpr:          &sc.Cron,
				Timezone:          &sc.Timezone,
				Enabled:           &sc.Enabled,
				MaxConcurrentRuns: &sc.MaxConcurrentRuns,
				Job:               &schedule.JobDescriptor{Type: sc.JobType, Params: sc.Params},
			}
			if _, err := reg.Update(ctx, existing.ID, upd); err != nil {
				return fmt.Errorf("schedule %q: %w", name, err)
			}
			continue
		}
		_, err := reg.Add(ctx, schedule.Config{
			Name:              name,
			CronExpr:          sc.Cron,
			Timezone:          sc.Timezone,
			Enabled:           sc.Enabled,
			MaxConcurrentRuns: sc.MaxConcurrentRuns,
			Job:               schedule.JobDescriptor{Type: sc.JobType, Params: sc.Params},
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
		log.Info("schedule configured", logx.String("name", name), logx.String("cron", sc.Cron))
	}
	return nil
}
