package app

import (
	"time"

	"courier/internal/config"
	"courier/internal/transport"
	"courier/internal/transport/telegram"
	"courier/internal/transport/wechat"
	"courier/internal/transport/whatsapp"
	logx "courier/pkg/logx"
)

// registerChannelBuilders wires every channel this build knows into the
// registry. A builder returning (nil, nil) means the section is absent from
// the config; the channel then stays unconfigured and surfaces as a
// permanent failure if delivery selects it.
func registerChannelBuilders(reg *transport.Registry) {
	reg.Register("wechat", func(ch config.ChannelsConfig, log logx.Logger) (transport.Sender, error) {
		c := ch.WeChat
		if c == nil {
			return nil, nil
		}
		timeout, err := config.ParseDurationOrDefault("channels.wechat.timeout", c.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		return wechat.New(wechat.Config{
			CorpID:     c.CorpID,
			CorpSecret: c.CorpSecret,
			AgentID:    c.AgentID,
			ToUser:     c.ToUser,
			BaseURL:    c.BaseURL,
			Timeout:    timeout,
		}, log), nil
	})

	reg.Register("whatsapp", func(ch config.ChannelsConfig, log logx.Logger) (transport.Sender, error) {
		c := ch.WhatsApp
		if c == nil {
			return nil, nil
		}
		timeout, err := config.ParseDurationOrDefault("channels.whatsapp.timeout", c.Timeout, 60*time.Second)
		if err != nil {
			return nil, err
		}
		return whatsapp.New(whatsapp.Config{
			BridgePath: c.BridgePath,
			Target:     c.Target,
			Timeout:    timeout,
		}, log), nil
	})

	reg.Register("telegram", func(ch config.ChannelsConfig, log logx.Logger) (transport.Sender, error) {
		c := ch.Telegram
		if c == nil {
			return nil, nil
		}
		timeout, err := config.ParseDurationOrDefault("channels.telegram.timeout", c.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		s, err := telegram.New(telegram.Config{
			Token:   c.Token,
			ChatID:  c.ChatID,
			Timeout: timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
