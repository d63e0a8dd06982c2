package watchdog

import (
	"context"
	"testing"
	"time"
)

type fakeSession struct {
	stalled  bool
	timeout  time.Duration
	restarts []string
}

func (f *fakeSession) Stalled(timeout time.Duration) bool {
	f.timeout = timeout
	return f.stalled
}

func (f *fakeSession) Restart(reason string) error {
	f.restarts = append(f.restarts, reason)
	return nil
}

func TestCheckRestartsStalledSession(t *testing.T) {
	sess := &fakeSession{stalled: true}
	w, err := New(sess, Options{Schedule: "* * * * *"})
	if err != nil {
		t.Fatal(err)
	}

	if !w.Check() {
		t.Fatal("Check() = false for stalled session")
	}
	if len(sess.restarts) != 1 || sess.restarts[0] != "initialization stalled" {
		t.Fatalf("restarts = %v", sess.restarts)
	}
	if sess.timeout != 180*time.Second {
		t.Fatalf("default timeout = %s", sess.timeout)
	}
}

func TestCheckLeavesHealthySession(t *testing.T) {
	sess := &fakeSession{}
	w, _ := New(sess, Options{Schedule: "*/5 * * * *", InitTimeout: time.Minute})

	if w.Check() {
		t.Fatal("Check() = true for healthy session")
	}
	if len(sess.restarts) != 0 {
		t.Fatal("healthy session restarted")
	}
}

func TestInvalidSchedule(t *testing.T) {
	if _, err := New(&fakeSession{}, Options{Schedule: "every minute"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w, _ := New(&fakeSession{}, Options{Schedule: "0 0 1 1 *"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDisabledRunReturns(t *testing.T) {
	w, _ := New(&fakeSession{}, Options{})
	if w.Enabled() {
		t.Fatal("empty schedule should disable the watchdog")
	}
	w.Run(context.Background())
}
