package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or corp secrets), and (3) the channel names whose credentials or recipient
// specs changed (so only those senders get rebuilt).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (persistence)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Feed spool
	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.dir", strings.TrimSpace(newCfg.Feed.Dir)),
			logx.Bool("feed.keep_done", newCfg.Feed.KeepDone),
		)
	}

	// Dedup retention
	if strings.TrimSpace(oldCfg.Dedup.Retention) != strings.TrimSpace(newCfg.Dedup.Retention) {
		changed = append(changed, "dedup")
		attrs = append(attrs, logx.String("dedup.retention", strings.TrimSpace(newCfg.Dedup.Retention)))
	}

	// Schedule (trigger)
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.cron", strings.TrimSpace(newCfg.Schedule.Cron)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.String("schedule.cycle_timeout", strings.TrimSpace(newCfg.Schedule.CycleTimeout)),
		)
	}

	// Formatter
	if !reflect.DeepEqual(oldCfg.Format, newCfg.Format) {
		changed = append(changed, "format")
		attrs = append(attrs,
			logx.Int("format.max_block_size", newCfg.Format.MaxBlockSize),
			logx.Bool("format.marker_set", strings.TrimSpace(newCfg.Format.TruncationMarker) != ""),
		)
	}

	// Delivery routing
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.primary", strings.TrimSpace(newCfg.Delivery.Primary)),
			logx.String("delivery.backup", strings.TrimSpace(newCfg.Delivery.Backup)),
			logx.String("delivery.send_rate", strings.TrimSpace(newCfg.Delivery.SendRate)),
		)
	}

	// Channels (summarize only; never log secret values)
	channelsChanged := diffChannels(oldCfg.Channels, newCfg.Channels)
	if len(channelsChanged) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Int("channels.changed_count", len(channelsChanged)),
			logx.Bool("channels.wechat_set", newCfg.Channels.WeChat != nil),
			logx.Bool("channels.whatsapp_set", newCfg.Channels.WhatsApp != nil),
			logx.Bool("channels.telegram_set", newCfg.Channels.Telegram != nil),
		)
	}

	// Alerts. Nil means disabled; compare against the zero value for a more
	// accurate summary.
	oldA := oldCfg.Alerts
	newA := newCfg.Alerts
	if oldA == nil {
		oldA = &AlertsConfig{}
	}
	if newA == nil {
		newA = &AlertsConfig{}
	}
	if !reflect.DeepEqual(*oldA, *newA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newA.Enabled),
			logx.String("alerts.channel", strings.TrimSpace(newA.Channel)),
			logx.String("alerts.min_interval", strings.TrimSpace(newA.MinInterval)),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs, channelsChanged
}

func diffChannels(o, n ChannelsConfig) []string {
	out := make([]string, 0, 3)
	if !equalPtr(o.WeChat, n.WeChat) {
		out = append(out, "wechat")
	}
	if !equalPtr(o.WhatsApp, n.WhatsApp) {
		out = append(out, "whatsapp")
	}
	if !equalPtr(o.Telegram, n.Telegram) {
		out = append(out, "telegram")
	}
	sort.Strings(out)
	return out
}

func equalPtr[T comparable](a, b *T) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
