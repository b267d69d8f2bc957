package whatsapp

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"courier/internal/format"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

func newTestSender(run func(ctx context.Context, bin string, args ...string) (string, string, error)) *Sender {
	s := New(Config{BridgePath: "/usr/local/bin/openclaw", Target: "+15550001111", Timeout: time.Second}, logx.Nop())
	s.run = run
	return s
}

func TestSendInvokesBridge(t *testing.T) {
	var gotBin string
	var gotArgs []string
	s := newTestSender(func(ctx context.Context, bin string, args ...string) (string, string, error) {
		gotBin = bin
		gotArgs = args
		return "sent", "", nil
	})

	att := s.Send(context.Background(), format.Block{Index: 3, Text: "digest text"})
	if att.Outcome != transport.OutcomeSuccess {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
	if att.Channel != "whatsapp" || att.BlockIndex != 3 {
		t.Fatalf("attempt misfiled: %+v", att)
	}
	if gotBin != "/usr/local/bin/openclaw" {
		t.Fatalf("bin = %q", gotBin)
	}
	want := []string{"message", "send", "--target", "+15550001111", "--message", "digest text"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v", gotArgs)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestSendStderrClassification(t *testing.T) {
	cases := []struct {
		name   string
		stderr string
		err    error
		want   transport.Outcome
	}{
		{"timed out", "Error: request timed out after 30s", errors.New("exit status 1"), transport.OutcomeTransient},
		{"connection refused", "connection refused by gateway", errors.New("exit status 1"), transport.OutcomeTransient},
		{"temporary", "service temporarily unavailable", errors.New("exit status 1"), transport.OutcomeTransient},
		{"bad target", "invalid target jid", errors.New("exit status 1"), transport.OutcomePermanent},
		{"silent failure", "", errors.New("exit status 2"), transport.OutcomePermanent},
		{"missing binary", "", &exec.Error{Name: "openclaw", Err: exec.ErrNotFound}, transport.OutcomePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSender(func(ctx context.Context, bin string, args ...string) (string, string, error) {
				return "", tc.stderr, tc.err
			})
			att := s.Send(context.Background(), format.Block{Text: "x"})
			if att.Outcome != tc.want {
				t.Fatalf("outcome=%s, want %s (err=%v)", att.Outcome, tc.want, att.Err)
			}
			if att.Err == nil {
				t.Fatalf("attempt carries no error")
			}
		})
	}
}

func TestSendBridgeTimeoutIsTransient(t *testing.T) {
	s := New(Config{BridgePath: "/bin/openclaw", Target: "+15550001111", Timeout: 20 * time.Millisecond}, logx.Nop())
	s.run = func(ctx context.Context, bin string, args ...string) (string, string, error) {
		<-ctx.Done()
		return "", "", ctx.Err()
	}

	att := s.Send(context.Background(), format.Block{Text: "x"})
	if att.Outcome != transport.OutcomeTransient {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
}

func TestSendMissingConfigIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no bridge", Config{Target: "+15550001111"}},
		{"no target", Config{BridgePath: "/bin/openclaw"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(tc.cfg, logx.Nop())
			s.run = func(ctx context.Context, bin string, args ...string) (string, string, error) {
				t.Error("bridge invoked despite missing config")
				return "", "", nil
			}
			att := s.Send(context.Background(), format.Block{Text: "x"})
			if att.Outcome != transport.OutcomePermanent {
				t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
			}
		})
	}
}
