package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by consumers when the corresponding field is unset.
const (
	DefaultMaxBlockSize     = 2000
	DefaultTruncationMarker = "…[truncated]"
	DefaultCronSpec         = "0 * * * *"
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultCycleTimeout     = 10 * time.Minute
	DefaultSendRate         = time.Second
)

// minBlockSize guards against limits too small to hold the truncation
// marker plus any payload.
const minBlockSize = 32

var errNoPrimary = errors.New("delivery.primary is required")

// Validate checks structural invariants: drivers, channel names, sizes and
// durations. It deliberately does NOT require credentials to be present;
// a missing secret must surface as a permanent delivery failure, not a
// config rejection (the digest pipeline keeps running and recording).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	switch d := strings.TrimSpace(cfg.Storage.Driver); d {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (want file or sqlite)", d)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	primary := strings.TrimSpace(cfg.Delivery.Primary)
	if primary == "" {
		return errNoPrimary
	}
	if !KnownChannel(primary) {
		return fmt.Errorf("delivery.primary: unknown channel %q", primary)
	}
	if backup := strings.TrimSpace(cfg.Delivery.Backup); backup != "" {
		if !KnownChannel(backup) {
			return fmt.Errorf("delivery.backup: unknown channel %q", backup)
		}
		if backup == primary {
			return fmt.Errorf("delivery.backup: must differ from primary (%q)", primary)
		}
	}
	if _, err := ParseDurationField("delivery.send_rate", cfg.Delivery.SendRate); err != nil {
		return err
	}

	if n := cfg.Format.MaxBlockSize; n != 0 && n < minBlockSize {
		return fmt.Errorf("format.max_block_size: %d is below the minimum of %d", n, minBlockSize)
	}

	if _, err := ParseDurationField("dedup.retention", cfg.Dedup.Retention); err != nil {
		return err
	}
	if _, err := ParseDurationField("schedule.cycle_timeout", cfg.Schedule.CycleTimeout); err != nil {
		return err
	}

	if c := cfg.Channels.WeChat; c != nil {
		if _, err := ParseDurationField("channels.wechat.timeout", c.Timeout); err != nil {
			return err
		}
	}
	if c := cfg.Channels.WhatsApp; c != nil {
		if _, err := ParseDurationField("channels.whatsapp.timeout", c.Timeout); err != nil {
			return err
		}
	}
	if c := cfg.Channels.Telegram; c != nil {
		if _, err := ParseDurationField("channels.telegram.timeout", c.Timeout); err != nil {
			return err
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		ch := strings.TrimSpace(a.Channel)
		if ch == "" {
			return errors.New("alerts.channel is required when alerts are enabled")
		}
		if !KnownChannel(ch) {
			return fmt.Errorf("alerts.channel: unknown channel %q", ch)
		}
		if _, err := ParseDurationField("alerts.min_interval", a.MinInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField("alerts.dedup_window", a.DedupWindow); err != nil {
			return err
		}
	}

	return nil
}
