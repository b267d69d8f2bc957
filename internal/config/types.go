package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects where dedup records and delivery results live.
	Storage StorageConfig `json:"storage"`

	// Feed points at the spool directory collectors drop candidate items into.
	Feed FeedConfig `json:"feed"`

	Dedup    DedupConfig    `json:"dedup"`
	Schedule ScheduleConfig `json:"schedule"`
	Format   FormatConfig   `json:"format"`
	Delivery DeliveryConfig `json:"delivery"`
	Channels ChannelsConfig `json:"channels"`

	// Alerts controls best-effort operator notifications on failed cycles.
	// If omitted, alerting is disabled.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./state" }
//
// Driver "file" treats Path as a directory; "sqlite" treats it as the
// database file.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type FeedConfig struct {
	Dir string `json:"dir"`
	// KeepDone moves consumed spool files to a done/ subdirectory instead of
	// deleting them.
	KeepDone bool `json:"keep_done"`
}

// DedupConfig controls fingerprint retention.
//
// Retention is a Go duration string or integer seconds; default "168h".
type DedupConfig struct {
	Retention string `json:"retention,omitempty"`
}

// ScheduleConfig controls the daemon trigger. Cron uses the standard
// 5-field spec (robfig/cron); default "0 * * * *".
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// CycleTimeout bounds one whole push cycle. Default "10m".
	CycleTimeout string `json:"cycle_timeout,omitempty"`
}

type FormatConfig struct {
	// MaxBlockSize is measured in runes. Default 2000.
	MaxBlockSize int `json:"max_block_size,omitempty"`
	// TruncationMarker is appended to items too large for a single block.
	TruncationMarker string `json:"truncation_marker,omitempty"`
}

// DeliveryConfig names the primary and backup channels and the pacing
// between block sends.
type DeliveryConfig struct {
	Primary string `json:"primary"`
	Backup  string `json:"backup,omitempty"`
	// SendRate is the minimum interval between two block sends. Default "1s".
	SendRate string `json:"send_rate,omitempty"`
}

// ChannelsConfig holds per-channel credentials and recipient specs.
// A nil section means the channel is not configured; selecting it as
// primary/backup still works and surfaces as permanent failures at send
// time (credential problems are delivery outcomes, not config errors).
type ChannelsConfig struct {
	WeChat   *WeChatConfig   `json:"wechat,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// WeChatConfig configures the WeChat Work (enterprise chat) app channel.
type WeChatConfig struct {
	CorpID     string `json:"corp_id"`
	CorpSecret string `json:"corp_secret"`
	AgentID    int64  `json:"agent_id"`
	// ToUser is the recipient spec, e.g. "@all" or "UserID1|UserID2".
	ToUser string `json:"to_user"`
	// BaseURL overrides the API host (tests); default https://qyapi.weixin.qq.com.
	BaseURL string `json:"base_url,omitempty"`
	// Timeout is a Go duration string for one API call. Default "15s".
	Timeout string `json:"timeout,omitempty"`
}

// WhatsAppConfig configures the CLI bridge channel.
type WhatsAppConfig struct {
	BridgePath string `json:"bridge_path"`
	// Target is the recipient phone number in E.164 form.
	Target string `json:"target"`
	// Timeout bounds one bridge invocation. Default "60s".
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// Timeout is a Go duration string for one API call. Default "15s".
	Timeout string `json:"timeout,omitempty"`
}

// AlertsConfig controls the async operator alerter.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type AlertsConfig struct {
	Enabled bool `json:"enabled"`
	// Channel names the transport used for alerts (usually not the digest
	// primary, so a broken primary can still be reported).
	Channel     string `json:"channel"`
	MinInterval string `json:"min_interval,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ChannelNames lists the channels this build knows how to construct.
func ChannelNames() []string { return []string{"wechat", "whatsapp", "telegram"} }

// KnownChannel reports whether name is a channel this build can construct.
func KnownChannel(name string) bool {
	switch name {
	case "wechat", "whatsapp", "telegram":
		return true
	}
	return false
}
