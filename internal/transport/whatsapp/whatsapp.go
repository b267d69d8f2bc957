// Package whatsapp pushes digest blocks through a local CLI bridge binary
// (openclaw), one subprocess invocation per block.
package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"courier/internal/format"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const defaultTimeout = 60 * time.Second

type Config struct {
	BridgePath string
	Target     string // recipient number in E.164 form
	Timeout    time.Duration
}

type Sender struct {
	cfg Config
	log logx.Logger

	// run is swappable in tests.
	run func(ctx context.Context, bin string, args ...string) (stdout, stderr string, err error)
}

func New(cfg Config, log logx.Logger) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, run: runCommand}
}

func (s *Sender) Name() string { return "whatsapp" }

func (s *Sender) Send(ctx context.Context, block format.Block) transport.Attempt {
	started := time.Now()
	finish := func(outcome transport.Outcome, err error) transport.Attempt {
		return transport.Attempt{
			Channel:    s.Name(),
			BlockIndex: block.Index,
			StartedAt:  started,
			Duration:   time.Since(started),
			Outcome:    outcome,
			Err:        err,
		}
	}

	if strings.TrimSpace(s.cfg.BridgePath) == "" || strings.TrimSpace(s.cfg.Target) == "" {
		return finish(transport.OutcomePermanent, errors.New("bridge_path and target are required"))
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, stderr, err := s.run(cctx, s.cfg.BridgePath,
		"message", "send", "--target", s.cfg.Target, "--message", block.Text)
	if err == nil {
		return finish(transport.OutcomeSuccess, nil)
	}
	return finish(classify(cctx, stderr, err))
}

// classify maps a failed bridge invocation to an outcome. Timeouts and
// connectivity problems on the bridge's side are transient; a missing
// binary or any other rejection is permanent.
func classify(ctx context.Context, stderr string, err error) (transport.Outcome, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transport.OutcomeTransient, fmt.Errorf("bridge timed out: %w", err)
	}
	low := strings.ToLower(stderr)
	for _, marker := range []string{"timed out", "timeout", "connection", "temporarily"} {
		if strings.Contains(low, marker) {
			return transport.OutcomeTransient, fmt.Errorf("bridge: %s", firstLine(stderr))
		}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return transport.OutcomePermanent, fmt.Errorf("bridge binary not found: %w", err)
	}
	if strings.TrimSpace(stderr) != "" {
		return transport.OutcomePermanent, fmt.Errorf("bridge: %s", firstLine(stderr))
	}
	return transport.OutcomePermanent, err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func runCommand(ctx context.Context, bin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
