package scheduling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{5 * time.Second, 10 * time.Second},
		{60 * time.Second, 60 * time.Second},
		{2 * time.Hour, 600 * time.Second},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in, 10*time.Second, 600*time.Second); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRefresher_Defaults(t *testing.T) {
	r := NewRefresher(func(context.Context, string) error { return nil })
	st := r.Status()
	if !st.Enabled || st.IntervalSeconds != 60 || st.MinSeconds != 10 || st.MaxSeconds != 600 {
		t.Errorf("unexpected defaults %+v", st)
	}
	if st.NextRun != nil {
		t.Error("expected no next run before Start")
	}
}

func TestNewRefresher_ClampsInitialInterval(t *testing.T) {
	r := NewRefresher(func(context.Context, string) error { return nil }, WithInterval(time.Second))
	if r.Interval() != 10*time.Second {
		t.Errorf("expected 10s, got %v", r.Interval())
	}
}

func TestRefresher_TimerRunsPasses(t *testing.T) {
	var runs atomic.Int32
	r := NewRefresher(func(_ context.Context, trigger string) error {
		if trigger != TriggerTimer {
			t.Errorf("expected timer trigger, got %s", trigger)
		}
		runs.Add(1)
		return nil
	}, WithBounds(10*time.Millisecond, time.Second), WithInterval(20*time.Millisecond))

	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return runs.Load() >= 2 })
	if st := r.Status(); st.LastRun == nil || st.NextRun == nil {
		t.Errorf("expected last and next run to be set, got %+v", st)
	}
}

func TestRefresher_SkipIfBusy(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	r := NewRefresher(func(ctx context.Context, _ string) error {
		runs.Add(1)
		<-release
		return nil
	})

	done, err := r.Trigger(TriggerManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, func() bool { return r.Status().Running })

	if _, err := r.Trigger(TriggerManual); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if _, err := r.Trigger(TriggerTimer); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("unexpected pass error %v", err)
	}

	st := r.Status()
	if st.Skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", st.Skipped)
	}
	if st.Runs != 1 || runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d/%d", st.Runs, runs.Load())
	}
	if st.Running {
		t.Error("expected not running after completion")
	}
	r.Stop()
}

func TestRefresher_RecordsLastError(t *testing.T) {
	r := NewRefresher(func(context.Context, string) error { return errors.New("boom") })
	defer r.Stop()

	done, err := r.Trigger(TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
	if st := r.Status(); st.LastError != "boom" {
		t.Errorf("expected last error boom, got %q", st.LastError)
	}
}

func TestRefresher_StopCancelsInFlightPass(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	r := NewRefresher(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	r.Start()

	if _, err := r.Trigger(TriggerManual); err != nil {
		t.Fatal(err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if !cancelled.Load() {
		t.Error("expected in-flight pass to observe cancellation before Stop returned")
	}

	if _, err := r.Trigger(TriggerManual); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	r.Stop()
}

func TestRefresher_SettingsAndOnChange(t *testing.T) {
	var changes []Status
	r := NewRefresher(func(context.Context, string) error { return nil },
		WithOnChange(func(st Status) { changes = append(changes, st) }))

	if got := r.SetInterval(5 * time.Hour); got != 600*time.Second {
		t.Errorf("expected clamp to max, got %v", got)
	}
	r.SetEnabled(false)
	st := r.Update(true, 3*time.Second)
	if !st.Enabled || st.IntervalSeconds != 10 {
		t.Errorf("unexpected status %+v", st)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 change callbacks, got %d", len(changes))
	}
	if changes[1].Enabled {
		t.Error("expected the second change to report disabled")
	}
}

func TestRefresher_DisabledDoesNotFire(t *testing.T) {
	var runs atomic.Int32
	r := NewRefresher(func(context.Context, string) error {
		runs.Add(1)
		return nil
	}, WithBounds(10*time.Millisecond, time.Second), WithInterval(10*time.Millisecond), WithEnabled(false))
	r.Start()
	time.Sleep(60 * time.Millisecond)
	r.Stop()

	if runs.Load() != 0 {
		t.Errorf("expected no runs while disabled, got %d", runs.Load())
	}
}
