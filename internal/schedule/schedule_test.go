package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "courier/pkg/logx"
)

func TestCheckSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    string
		tz      string
		wantErr bool
	}{
		{name: "hourly", spec: "0 * * * *"},
		{name: "every five minutes", spec: "*/5 * * * *"},
		{name: "descriptor", spec: "@hourly"},
		{name: "interval", spec: "@every 90m"},
		{name: "empty uses default", spec: ""},
		{name: "with timezone", spec: "30 8 * * 1-5", tz: "Asia/Shanghai"},
		{name: "garbage", spec: "not-a-schedule", wantErr: true},
		{name: "minute out of range", spec: "61 * * * *", wantErr: true},
		{name: "six fields", spec: "0 0 * * * *", wantErr: true},
		{name: "bad timezone", spec: "0 * * * *", tz: "Mars/Olympus", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.spec, tt.tz)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check(%q, %q) = %v, wantErr %v", tt.spec, tt.tz, err, tt.wantErr)
			}
		})
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	svc := New(Config{Spec: "every now and then"}, func(context.Context) {}, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestTickSkipsWhileCycleRunning(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	svc := New(Config{Spec: "@every 240h"}, func(ctx context.Context) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	}, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go svc.tick()
	<-started

	// Second tick while the first holds the flight guard: must return
	// without invoking the runner.
	svc.tick()
	if n := runs.Load(); n != 1 {
		t.Fatalf("runner invoked %d times, want 1", n)
	}
	close(release)
	svc.Stop()

	// After the guard is released a tick runs again.
	svc2 := New(Config{Spec: "@every 240h"}, func(ctx context.Context) {
		runs.Add(1)
	}, logx.Nop())
	if err := svc2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc2.Stop()
	svc2.tick()
	svc2.tick()
	if n := runs.Load(); n != 3 {
		t.Fatalf("runner invoked %d times total, want 3", n)
	}
}

func TestTickBoundsCycleWithTimeout(t *testing.T) {
	deadlineSeen := make(chan bool, 1)
	svc := New(Config{Spec: "@every 240h", CycleTimeout: time.Minute}, func(ctx context.Context) {
		_, ok := ctx.Deadline()
		deadlineSeen <- ok
	}, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	svc.tick()
	if !<-deadlineSeen {
		t.Fatal("cycle context has no deadline")
	}
}

func TestApplyRestartsOnSpecChange(t *testing.T) {
	svc := New(Config{Spec: "@every 240h"}, func(context.Context) {}, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if next := svc.Next(); time.Until(next) < 200*time.Hour {
		t.Fatalf("initial next fire %v suspiciously near", next)
	}
	if err := svc.Apply(Config{Spec: "@hourly"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next := svc.Next(); time.Until(next) > 2*time.Hour {
		t.Fatalf("next fire %v not rescheduled to the new spec", next)
	}

	// An invalid spec is rejected and the running schedule survives.
	if err := svc.Apply(Config{Spec: "no such spec"}); err == nil {
		t.Fatal("expected error applying an invalid spec")
	}
	if next := svc.Next(); time.Until(next) > 2*time.Hour {
		t.Fatalf("schedule lost after rejected Apply, next = %v", next)
	}
}
