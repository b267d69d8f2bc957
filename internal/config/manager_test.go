package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
storage:
  driver: file
  path: ./state
feed:
  dir: ./spool
  keep_done: true
dedup:
  retention: 168h
schedule:
  enabled: true
  cron: "0 * * * *"
  cycle_timeout: 10m
format:
  max_block_size: 2000
delivery:
  primary: wechat
  backup: whatsapp
  send_rate: 1s
channels:
  wechat:
    corp_id: "${COURIER_TEST_CORP}"
    corp_secret: secret
    agent_id: 1000002
    to_user: "@all"
  whatsapp:
    bridge_path: /usr/local/bin/openclaw
    target: "+15550000000"
`

func TestParseBytesYAML(t *testing.T) {
	t.Setenv("COURIER_TEST_CORP", "wwcafebabe")

	cfg, err := ParseBytes("courier.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Delivery.Primary != "wechat" || cfg.Delivery.Backup != "whatsapp" {
		t.Fatalf("delivery routing = %q/%q", cfg.Delivery.Primary, cfg.Delivery.Backup)
	}
	if cfg.Channels.WeChat == nil || cfg.Channels.WeChat.CorpID != "wwcafebabe" {
		t.Fatalf("env expansion did not reach corp_id: %+v", cfg.Channels.WeChat)
	}
	if cfg.Channels.WhatsApp == nil || cfg.Channels.WhatsApp.Target != "+15550000000" {
		t.Fatalf("whatsapp channel = %+v", cfg.Channels.WhatsApp)
	}
	if cfg.Channels.Telegram != nil {
		t.Fatalf("telegram should be nil when omitted")
	}
}

func TestParseBytesRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	doc := `{"delivery": {"primary": "wechat"}, "surprise": true}`
	if _, err := ParseBytes("courier.json", []byte(doc)); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseBytesSniffsFormat(t *testing.T) {
	t.Parallel()
	// No useful extension: JSON must be detected by the leading brace.
	doc := `{"delivery": {"primary": "telegram"}}`
	cfg, err := ParseBytes("courier.conf", []byte(doc))
	if err != nil {
		t.Fatalf("ParseBytes error: %v", err)
	}
	if cfg.Delivery.Primary != "telegram" {
		t.Fatalf("Primary = %q", cfg.Delivery.Primary)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "go duration", raw: "90s", want: 90 * time.Second},
		{name: "bare seconds", raw: "60", want: time.Minute},
		{name: "negative", raw: "-5s", wantErr: true},
		{name: "negative seconds", raw: "-5", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Storage:  StorageConfig{Driver: "file", Path: "./state"},
			Delivery: DeliveryConfig{Primary: "wechat", Backup: "whatsapp"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "missing primary", mutate: func(c *Config) { c.Delivery.Primary = "" }, wantErr: "delivery.primary"},
		{name: "unknown primary", mutate: func(c *Config) { c.Delivery.Primary = "pigeon" }, wantErr: "unknown channel"},
		{name: "backup equals primary", mutate: func(c *Config) { c.Delivery.Backup = "wechat" }, wantErr: "must differ"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "etcd" }, wantErr: "storage.driver"},
		{name: "tiny block size", mutate: func(c *Config) { c.Format.MaxBlockSize = 8 }, wantErr: "max_block_size"},
		{name: "bad retention", mutate: func(c *Config) { c.Dedup.Retention = "next tuesday" }, wantErr: "dedup.retention"},
		{name: "alerts without channel", mutate: func(c *Config) { c.Alerts = &AlertsConfig{Enabled: true} }, wantErr: "alerts.channel"},
		{name: "no backup is fine", mutate: func(c *Config) { c.Delivery.Backup = "" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Delivery: DeliveryConfig{Primary: "wechat", Backup: "whatsapp"},
		Channels: ChannelsConfig{
			WeChat: &WeChatConfig{CorpID: "a", CorpSecret: "s1", AgentID: 1, ToUser: "@all"},
		},
	}
	newCfg := &Config{
		Delivery: DeliveryConfig{Primary: "wechat", Backup: "telegram"},
		Channels: ChannelsConfig{
			WeChat:   &WeChatConfig{CorpID: "a", CorpSecret: "s2", AgentID: 1, ToUser: "@all"},
			Telegram: &TelegramConfig{Token: "t", ChatID: 7},
		},
	}

	changed, _, channels := SummarizeConfigChange(oldCfg, newCfg)

	wantSections := map[string]bool{"channels": true, "delivery": true}
	for _, s := range changed {
		delete(wantSections, s)
	}
	if len(wantSections) != 0 {
		t.Fatalf("changed sections = %v, missing %v", changed, wantSections)
	}

	wantChannels := []string{"telegram", "wechat"}
	if len(channels) != len(wantChannels) {
		t.Fatalf("channelsChanged = %v, want %v", channels, wantChannels)
	}
	for i := range wantChannels {
		if channels[i] != wantChannels[i] {
			t.Fatalf("channelsChanged = %v, want %v", channels, wantChannels)
		}
	}
}
