package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/eventbus"
	"courier/internal/format"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

type sendCall struct {
	text    string
	outcome transport.Outcome
}

// scriptedSender consumes one outcome per call (exhausted = success) and
// reports every call on got.
type scriptedSender struct {
	mu       sync.Mutex
	outcomes []transport.Outcome
	got      chan sendCall
}

func newScriptedSender(outcomes ...transport.Outcome) *scriptedSender {
	return &scriptedSender{outcomes: outcomes, got: make(chan sendCall, 32)}
}

func (s *scriptedSender) Name() string { return "scripted" }

func (s *scriptedSender) Send(ctx context.Context, b format.Block) transport.Attempt {
	s.mu.Lock()
	out := transport.OutcomeSuccess
	if len(s.outcomes) > 0 {
		out = s.outcomes[0]
		s.outcomes = s.outcomes[1:]
	}
	s.mu.Unlock()
	s.got <- sendCall{text: b.Text, outcome: out}

	att := transport.Attempt{Channel: s.Name(), Outcome: out, StartedAt: time.Now()}
	if out != transport.OutcomeSuccess {
		att.Err = errors.New("scripted failure")
	}
	return att
}

type senderSource map[string]transport.Sender

func (m senderSource) Lookup(name string) (transport.Sender, bool) {
	s, ok := m[name]
	return s, ok
}

func waitSend(t *testing.T, ch <-chan sendCall) sendCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for alert send")
		return sendCall{}
	}
}

func fastConfig() Config {
	return Config{
		Enabled:     true,
		Channel:     "telegram",
		MinInterval: time.Millisecond,
		DedupWindow: time.Hour,
		RetryMax:    1,
	}
}

func TestCycleFailureAlertedViaBus(t *testing.T) {
	bus := eventbus.New()
	sender := newScriptedSender()
	svc := New(fastConfig(), senderSource{"telegram": sender}, logx.Nop(), bus)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{
		Type: eventbus.EventCycleFinished,
		Data: eventbus.CycleData{CycleID: "c-ok", Success: true, Sent: 3},
	})
	bus.Publish(eventbus.Event{
		Type: eventbus.EventCycleFinished,
		Data: eventbus.CycleData{CycleID: "c-bad", Detail: "wechat: token rejected"},
	})

	call := waitSend(t, sender.got)
	if !strings.Contains(call.text, "c-bad") || !strings.Contains(call.text, "token rejected") {
		t.Fatalf("alert text = %q", call.text)
	}
	if strings.Contains(call.text, "c-ok") {
		t.Fatal("successful cycle produced an alert")
	}
}

func TestRepeatedFailureAlertsOncePerWindow(t *testing.T) {
	bus := eventbus.New()
	sender := newScriptedSender()
	svc := New(fastConfig(), senderSource{"telegram": sender}, logx.Nop(), bus)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		bus.Publish(eventbus.Event{
			Type: eventbus.EventCycleFinished,
			Data: eventbus.CycleData{CycleID: id, Detail: "whatsapp: bridge timed out"},
		})
	}
	// A different failure is a different alert key.
	bus.Publish(eventbus.Event{
		Type: eventbus.EventCycleFinished,
		Data: eventbus.CycleData{CycleID: "c-4", Detail: "telegram: chat not found"},
	})

	first := waitSend(t, sender.got)
	second := waitSend(t, sender.got)
	if !strings.Contains(first.text, "c-1") {
		t.Fatalf("first alert = %q, want the c-1 failure", first.text)
	}
	if !strings.Contains(second.text, "chat not found") {
		t.Fatalf("second alert = %q, want the distinct failure, not a repeat", second.text)
	}
}

func TestTransientSendRetried(t *testing.T) {
	sender := newScriptedSender(transport.OutcomeTransient)
	svc := New(fastConfig(), senderSource{"telegram": sender}, logx.Nop(), nil)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), "disk nearly full"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	first := waitSend(t, sender.got)
	if first.outcome != transport.OutcomeTransient {
		t.Fatalf("first attempt outcome = %s", first.outcome)
	}
	second := waitSend(t, sender.got)
	if second.outcome != transport.OutcomeSuccess || second.text != first.text {
		t.Fatalf("retry = %+v, want same text delivered", second)
	}
}

func TestPermanentSendNotRetried(t *testing.T) {
	sender := newScriptedSender(transport.OutcomePermanent)
	svc := New(fastConfig(), senderSource{"telegram": sender}, logx.Nop(), nil)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), "first alert"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := svc.Notify(context.Background(), "second alert"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	first := waitSend(t, sender.got)
	second := waitSend(t, sender.got)
	if !strings.Contains(first.text, "first") {
		t.Fatalf("first send = %q", first.text)
	}
	// The rejected alert was dropped without retry, so the very next send
	// is already the second alert.
	if !strings.Contains(second.text, "second") {
		t.Fatalf("send after permanent rejection = %q, want the next alert", second.text)
	}
}

func TestNotifyLifecycleErrors(t *testing.T) {
	disabled := New(Config{Channel: "telegram"}, senderSource{}, logx.Nop(), nil)
	if err := disabled.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify = %v, want ErrDisabled", err)
	}
	disabled.Start(context.Background())
	if err := disabled.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled started Notify = %v, want ErrDisabled", err)
	}

	stopped := New(fastConfig(), senderSource{}, logx.Nop(), nil)
	if err := stopped.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Notify = %v, want ErrStopped", err)
	}

	svc := New(fastConfig(), senderSource{"telegram": newScriptedSender()}, logx.Nop(), nil)
	svc.Start(context.Background())
	svc.Stop(context.Background())
	if err := svc.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped Notify = %v, want ErrStopped", err)
	}
}
