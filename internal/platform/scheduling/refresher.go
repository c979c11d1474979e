package scheduling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Errors returned by Trigger.
var (
	ErrBusy    = errors.New("a refresh pass is already running")
	ErrStopped = errors.New("refresher is stopped")
)

// Triggers recorded with each pass.
const (
	TriggerTimer   = "timer"
	TriggerManual  = "manual"
	TriggerStartup = "startup"
)

// PassFunc runs one pass. ctx is cancelled when the refresher stops.
type PassFunc func(ctx context.Context, trigger string) error

// Status is a point-in-time view of the refresher.
type Status struct {
	Enabled         bool       `json:"enabled"`
	IntervalSeconds int        `json:"intervalSeconds"`
	MinSeconds      int        `json:"minSeconds"`
	MaxSeconds      int        `json:"maxSeconds"`
	Running         bool       `json:"running"`
	Runs            int64      `json:"runs"`
	Skipped         int64      `json:"skipped"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	LastDurationMs  int64      `json:"lastDurationMs"`
	LastError       string     `json:"lastError,omitempty"`
	NextRun         *time.Time `json:"nextRun,omitempty"`
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithBounds sets the range intervals are clamped to.
func WithBounds(min, max time.Duration) Option {
	return func(r *Refresher) {
		r.min, r.max = min, max
	}
}

// WithInterval sets the initial interval. It is clamped at construction.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) { r.interval = d }
}

// WithEnabled sets whether the timer fires at all.
func WithEnabled(enabled bool) Option {
	return func(r *Refresher) { r.enabled = enabled }
}

// WithLogger sets the refresher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Refresher) { r.logger = logger }
}

// WithOnChange registers a callback invoked with the new status after the
// settings change.
func WithOnChange(fn func(Status)) Option {
	return func(r *Refresher) { r.onChange = fn }
}

// Refresher runs a PassFunc every interval. At most one pass runs at a time;
// timer ticks and manual triggers that arrive during a pass are skipped and
// counted.
type Refresher struct {
	fn       PassFunc
	min, max time.Duration
	logger   zerolog.Logger
	onChange func(Status)

	mu         sync.Mutex
	enabled    bool
	interval   time.Duration
	started    bool
	closed     bool
	running    bool
	cancelPass context.CancelFunc
	runs       int64
	skipped    int64
	lastRun    time.Time
	lastDur    time.Duration
	lastErr    string
	nextRun    time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	reset      chan struct{}
	stop       chan struct{}
	loopDone   chan struct{}
	passes     sync.WaitGroup
}

// NewRefresher returns a stopped Refresher. Defaults: enabled, 60s interval,
// bounds 10s to 600s.
func NewRefresher(fn PassFunc, opts ...Option) *Refresher {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		fn:         fn,
		min:        10 * time.Second,
		max:        600 * time.Second,
		logger:     zerolog.Nop(),
		enabled:    true,
		interval:   60 * time.Second,
		baseCtx:    ctx,
		baseCancel: cancel,
		reset:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.max < r.min {
		r.max = r.min
	}
	r.interval = Clamp(r.interval, r.min, r.max)
	r.logger = r.logger.With().Str("component", "refresher").Logger()
	return r
}

// Clamp bounds d to [min, max].
func Clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// Start launches the timer loop. Calling it again has no effect.
func (r *Refresher) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Info().Bool("enabled", r.Enabled()).Dur("interval", r.Interval()).Msg("refresher started")
	go r.loop()
}

// Stop halts the timer, cancels the in-flight pass and waits for it.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.baseCancel()
	close(r.stop)
	if started {
		<-r.loopDone
	}
	r.passes.Wait()
	r.logger.Info().Msg("refresher stopped")
}

func (r *Refresher) loop() {
	defer close(r.loopDone)
	for {
		r.mu.Lock()
		var timer *time.Timer
		var fire <-chan time.Time
		if r.enabled {
			timer = time.NewTimer(r.interval)
			fire = timer.C
			r.nextRun = time.Now().Add(r.interval)
		} else {
			r.nextRun = time.Time{}
		}
		r.mu.Unlock()

		select {
		case <-r.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-r.reset:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			if _, err := r.Trigger(TriggerTimer); err != nil && !errors.Is(err, ErrBusy) {
				return
			}
		}
	}
}

// Trigger starts a pass unless one is already running, in which case it
// returns ErrBusy. The returned channel receives the pass error (nil on
// success) and is then closed.
func (r *Refresher) Trigger(trigger string) (<-chan error, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	if r.running {
		r.skipped++
		r.mu.Unlock()
		r.logger.Warn().Str("trigger", trigger).Msg("refresh pass already running, skipping")
		return nil, ErrBusy
	}
	r.running = true
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.cancelPass = cancel
	r.passes.Add(1)
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer r.passes.Done()
		defer close(done)
		defer cancel()

		start := time.Now()
		err := r.fn(ctx, trigger)
		dur := time.Since(start)

		r.mu.Lock()
		r.running = false
		r.cancelPass = nil
		r.runs++
		r.lastRun = start
		r.lastDur = dur
		r.lastErr = ""
		if err != nil {
			r.lastErr = err.Error()
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Error().Err(err).Str("trigger", trigger).Dur("duration", dur).Msg("refresh pass failed")
		} else {
			r.logger.Debug().Str("trigger", trigger).Dur("duration", dur).Msg("refresh pass completed")
		}
		done <- err
	}()
	return done, nil
}

// SetInterval changes the interval, clamped to the configured bounds, and
// restarts the timer. It returns the applied interval.
func (r *Refresher) SetInterval(d time.Duration) time.Duration {
	r.mu.Lock()
	r.interval = Clamp(d, r.min, r.max)
	applied := r.interval
	r.mu.Unlock()
	r.changed()
	return applied
}

// SetEnabled turns the timer on or off. Manual triggers work either way.
func (r *Refresher) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	r.changed()
}

// Update applies both settings at once and returns the new status.
func (r *Refresher) Update(enabled bool, interval time.Duration) Status {
	r.mu.Lock()
	r.enabled = enabled
	r.interval = Clamp(interval, r.min, r.max)
	r.mu.Unlock()
	r.changed()
	return r.Status()
}

func (r *Refresher) changed() {
	select {
	case r.reset <- struct{}{}:
	default:
	}
	st := r.Status()
	r.logger.Info().Bool("enabled", st.Enabled).Int("interval_seconds", st.IntervalSeconds).Msg("refresher settings changed")
	if r.onChange != nil {
		r.onChange(st)
	}
}

// Enabled reports whether the timer is on.
func (r *Refresher) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Interval returns the current interval.
func (r *Refresher) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Status returns a snapshot of the refresher state.
func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Enabled:         r.enabled,
		IntervalSeconds: int(r.interval / time.Second),
		MinSeconds:      int(r.min / time.Second),
		MaxSeconds:      int(r.max / time.Second),
		Running:         r.running,
		Runs:            r.runs,
		Skipped:         r.skipped,
		LastDurationMs:  r.lastDur.Milliseconds(),
		LastError:       r.lastErr,
	}
	if !r.lastRun.IsZero() {
		t := r.lastRun
		st.LastRun = &t
	}
	if r.started && !r.closed && r.enabled && !r.nextRun.IsZero() {
		t := r.nextRun
		st.NextRun = &t
	}
	return st
}
