package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"courier/internal/alert"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/format"
	"courier/internal/observability/pprof"
	"courier/internal/schedule"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// The map* helpers translate raw config sections into component configs,
// parsing duration strings and applying defaults. ValidateConfig calls each
// of them, so a value they reject never reaches a live component.

// ValidateConfig is the admission check for a candidate config: startup,
// hot reload and the check command all run it.
func ValidateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := schedule.Check(cfg.Schedule.Cron, cfg.Schedule.Timezone); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryOptions(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}

	switch driver {
	case "", "file":
		if path == "" {
			path = "./state"
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", driver)
	}

	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapFormatOptions(cfg *config.Config) format.Options {
	return format.Options{
		MaxBlockSize:     cfg.Format.MaxBlockSize,
		TruncationMarker: cfg.Format.TruncationMarker,
	}
}

func mapDeliveryOptions(cfg *config.Config) (delivery.Options, error) {
	retention, err := config.ParseDurationOrDefault("dedup.retention", cfg.Dedup.Retention, config.DefaultRetention)
	if err != nil {
		return delivery.Options{}, err
	}
	sendRate, err := config.ParseDurationOrDefault("delivery.send_rate", cfg.Delivery.SendRate, config.DefaultSendRate)
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{
		Primary:   strings.TrimSpace(cfg.Delivery.Primary),
		Backup:    strings.TrimSpace(cfg.Delivery.Backup),
		Retention: retention,
		SendRate:  sendRate,
		Format:    mapFormatOptions(cfg),
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	timeout, err := config.ParseDurationOrDefault("schedule.cycle_timeout", cfg.Schedule.CycleTimeout, config.DefaultCycleTimeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Spec:         strings.TrimSpace(cfg.Schedule.Cron),
		Timezone:     strings.TrimSpace(cfg.Schedule.Timezone),
		CycleTimeout: timeout,
	}, nil
}

func mapAlertsConfig(cfg *config.Config) (alert.Config, error) {
	a := cfg.Alerts
	if a == nil {
		return alert.Config{}, nil
	}
	if a.QueueSize < 0 {
		return alert.Config{}, fmt.Errorf("alerts.queue_size must be >= 0")
	}
	if a.RetryMax < 0 {
		return alert.Config{}, fmt.Errorf("alerts.retry_max must be >= 0")
	}
	minInterval, err := config.ParseDurationField("alerts.min_interval", a.MinInterval)
	if err != nil {
		return alert.Config{}, err
	}
	window, err := config.ParseDurationField("alerts.dedup_window", a.DedupWindow)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:     a.Enabled,
		Channel:     strings.TrimSpace(a.Channel),
		MinInterval: minInterval,
		DedupWindow: window,
		QueueSize:   a.QueueSize,
		RetryMax:    a.RetryMax,
	}, nil
}

// mapPprofConfig validates and converts the pprof section. It never starts
// the server; the security checks run here so a bad hot-reload is rejected
// before it can tear down a healthy listener.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof

	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        strings.TrimSpace(pc.Prefix),
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	readTO, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // default 0 (disabled): /profile can take 30s+
	out.IdleTimeout = idleTO

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Refuse a public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopbackHostPort(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}

	return out, nil
}

func isLoopbackHostPort(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
