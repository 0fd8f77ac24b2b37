package cronjobs

import (
	"context"
	"testing"
	"time"
)

func TestRunnerFiresJob(t *testing.T) {
	r := New(nil, context.Background())
	fired := make(chan struct{}, 4)
	if _, err := r.Add("* * * * * *", func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.Start()
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("per-second job never fired")
	}
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Add("not a cron spec", func(context.Context) {}); err == nil {
		t.Fatalf("malformed spec must be rejected")
	}
}

func TestRegisterMaintenanceSchedules(t *testing.T) {
	r := New(nil, context.Background())
	if err := RegisterMaintenance(r, Maintenance{}); err != nil {
		t.Fatalf("register without store: %v", err)
	}
	// Entries: hourly sweep only, no store job.
	if n := len(r.cron.Entries()); n != 1 {
		t.Fatalf("entries=%d want 1", n)
	}
}

func TestRunnerStopWaits(t *testing.T) {
	r := New(nil, context.Background())
	r.Start()
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
}
