package config

import (
	"reflect"
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (tokens, passwords, AMQP
// URLs) are reported presence-only, never by value.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !storageEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		pathSet := false
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs,
			logx.String("storage.driver", driver),
			logx.Bool("storage.path_set", pathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.String("dispatch.batch_interval", strings.TrimSpace(newCfg.Dispatch.BatchInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Deferred, newCfg.Deferred) {
		changed = append(changed, "deferred")
	}

	if !providersEqual(oldCfg.Providers, newCfg.Providers) {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Bool("providers.email", newCfg.Providers.Email != nil && newCfg.Providers.Email.Enabled),
			logx.Bool("providers.telegram", newCfg.Providers.Telegram != nil && newCfg.Providers.Telegram.Enabled),
			logx.Bool("providers.webhook", newCfg.Providers.Webhook != nil && newCfg.Providers.Webhook.Enabled),
			logx.Bool("providers.queue", newCfg.Providers.Queue != nil && newCfg.Providers.Queue.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Failover, newCfg.Failover) || !reflect.DeepEqual(oldCfg.Rates, newCfg.Rates) {
		changed = append(changed, "failover")
		attrs = append(attrs, logx.Int("failover.max_retries", newCfg.Failover.MaxRetries))
	}

	if !reflect.DeepEqual(oldCfg.Recipients, newCfg.Recipients) {
		changed = append(changed, "recipients")
		attrs = append(attrs, logx.Int("recipients.count", len(newCfg.Recipients)))
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs, logx.Int("rules.count", len(newCfg.Rules)))
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.Int("templates.count", len(newCfg.Templates)))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func storageEqual(a, b *StorageConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

// providersEqual compares provider sections including secrets, so a token
// rotation still counts as a change; only the logging above is redacted.
func providersEqual(a, b ProvidersConfig) bool {
	return reflect.DeepEqual(a, b)
}
