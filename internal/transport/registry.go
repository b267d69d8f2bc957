package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"courier/internal/config"
	logx "courier/pkg/logx"
)

// Builder constructs a sender for one channel. A nil sender with a nil error
// means the channel is absent from the config.
type Builder func(ch config.ChannelsConfig, log logx.Logger) (Sender, error)

// Registry keeps one live sender per configured channel and rebuilds a
// sender only when its config section changes, so cached state (like the
// wechat access token) survives unrelated reloads.
type Registry struct {
	log      logx.Logger
	builders map[string]Builder

	mu       sync.Mutex
	senders  map[string]Sender
	lastHash map[string]uint64
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:      log,
		builders: map[string]Builder{},
		senders:  map[string]Sender{},
		lastHash: map[string]uint64{},
	}
}

func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Apply builds senders for every registered channel present in ch and drops
// senders whose section disappeared. A failed build drops the old sender;
// the channel then surfaces as unavailable at send time.
func (r *Registry) Apply(ch config.ChannelsConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, build := range r.builders {
		h := sectionHash(name, ch)
		if prev, ok := r.lastHash[name]; ok && prev == h {
			continue
		}
		s, err := build(ch, r.log.With(logx.String("channel", name)))
		if err != nil {
			delete(r.senders, name)
			delete(r.lastHash, name)
			errs = append(errs, fmt.Errorf("build %s sender: %w", name, err))
			continue
		}
		if s == nil {
			delete(r.senders, name)
		} else {
			r.senders[name] = s
		}
		r.lastHash[name] = h
	}
	return errors.Join(errs...)
}

// Lookup returns the live sender for name.
func (r *Registry) Lookup(name string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.senders[name]
	return s, ok
}

// Names lists channels that currently have a live sender, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sectionHash(name string, ch config.ChannelsConfig) uint64 {
	var section any
	switch name {
	case "wechat":
		if ch.WeChat != nil {
			section = *ch.WeChat
		}
	case "whatsapp":
		if ch.WhatsApp != nil {
			section = *ch.WhatsApp
		}
	case "telegram":
		if ch.Telegram != nil {
			section = *ch.Telegram
		}
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	if section != nil {
		b, _ := json.Marshal(section)
		h.Write(b)
	}
	return h.Sum64()
}
