// Package scanloop drives the camera attendance loop: every tick it captures a
// frame, asks whether a face is present and then who it is.
package scanloop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the phase the loop is in.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateDetecting   State = "detecting"
	StateRecognizing State = "recognizing"
	StateSuccess     State = "success"
	StateError       State = "error"
)

// FrameSource captures one frame as an image data URI.
type FrameSource interface {
	Capture(ctx context.Context) (string, error)
}

// Detector answers whether a frame contains a face.
type Detector interface {
	DetectFace(ctx context.Context, photo string) (bool, error)
}

// Match identifies the person in a frame.
type Match struct {
	StudentID   string
	StudentName string
}

// Matcher identifies the face in a frame. Any error ends the tick in StateError.
type Matcher interface {
	Match(ctx context.Context, photo string) (Match, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ctx context.Context, photo string) (Match, error)

func (f MatcherFunc) Match(ctx context.Context, photo string) (Match, error) {
	return f(ctx, photo)
}

// Event is sent to the notifier on every state change.
type Event struct {
	State State
	At    time.Time
	Match Match
	Err   error
}

// Config tunes the loop timing.
type Config struct {
	Interval      time.Duration
	ResetDelay    time.Duration
	StopOnSuccess bool
}

const (
	DefaultInterval   = 2 * time.Second
	DefaultResetDelay = 5 * time.Second
)

// Loop is the scan state machine. Ticks never overlap: a tick that fires while
// the previous one is still waiting on a remote call is dropped. A success or
// error result is held for ResetDelay, then the loop moves to idle on its own
// and starts scanning again on the next tick.
type Loop struct {
	src    FrameSource
	det    Detector
	match  Matcher
	cfg    Config
	notify func(Event)
	log    *slog.Logger
	now    func() time.Time

	busy    atomic.Bool
	paused  atomic.Bool
	mu      sync.Mutex
	state   State
	settled time.Time
	reset   *time.Timer

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an idle loop. notify may be nil.
func New(src FrameSource, det Detector, match Matcher, cfg Config, notify func(Event)) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = DefaultResetDelay
	}
	if notify == nil {
		notify = func(Event) {}
	}
	return &Loop{
		src:    src,
		det:    det,
		match:  match,
		cfg:    cfg,
		notify: notify,
		log:    slog.Default().With("component", "scanloop"),
		now:    time.Now,
		state:  StateIdle,
		stop:   make(chan struct{}),
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pause makes ticks no-ops until Resume.
func (l *Loop) Pause() { l.paused.Store(true) }

// Resume undoes Pause.
func (l *Loop) Resume() { l.paused.Store(false) }

// Stop ends Run. It is safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.mu.Lock()
	if l.reset != nil {
		l.reset.Stop()
	}
	l.mu.Unlock()
}

// Run ticks every Interval until ctx is cancelled or Stop is called. It waits
// for an in-flight tick before returning.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	defer l.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-ticker.C:
			if l.busy.Load() {
				l.log.Debug("tick dropped, previous tick still running")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Step(ctx)
			}()
		}
	}
}

// Step runs one tick and reports whether it did any work. It returns false
// when another tick is running, the loop is paused, or a success/error result
// is still being shown.
func (l *Loop) Step(ctx context.Context) bool {
	if !l.busy.CompareAndSwap(false, true) {
		return false
	}
	defer l.busy.Store(false)
	if l.paused.Load() {
		return false
	}

	switch l.State() {
	case StateSuccess, StateError:
		settled := l.settledAt()
		if l.now().Sub(settled) < l.cfg.ResetDelay {
			return false
		}
		l.expire(settled)
	}
	if l.State() == StateIdle {
		l.set(Event{State: StateScanning})
	}

	l.set(Event{State: StateDetecting})
	photo, err := l.src.Capture(ctx)
	if err != nil {
		l.set(Event{State: StateScanning, Err: err})
		return true
	}
	found, err := l.det.DetectFace(ctx, photo)
	if err != nil || !found {
		l.set(Event{State: StateScanning, Err: err})
		return true
	}

	l.set(Event{State: StateRecognizing})
	m, err := l.match.Match(ctx, photo)
	if err != nil {
		l.set(Event{State: StateError, Err: err})
		return true
	}
	l.set(Event{State: StateSuccess, Match: m})
	if l.cfg.StopOnSuccess {
		l.Stop()
	}
	return true
}

func (l *Loop) settledAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled
}

// expire moves a result settled at settled back to idle. It is a no-op when
// the loop already left that result, so the timer and a late tick cannot both
// emit idle.
func (l *Loop) expire(settled time.Time) {
	l.mu.Lock()
	ok := (l.state == StateSuccess || l.state == StateError) && l.settled.Equal(settled)
	if ok {
		l.state = StateIdle
	}
	l.mu.Unlock()
	if ok {
		l.emit(Event{State: StateIdle, At: l.now()})
	}
}

func (l *Loop) set(ev Event) {
	ev.At = l.now()
	l.mu.Lock()
	l.state = ev.State
	if ev.State == StateSuccess || ev.State == StateError {
		l.settled = ev.At
		settled := ev.At
		if l.reset != nil {
			l.reset.Stop()
		}
		l.reset = time.AfterFunc(l.cfg.ResetDelay, func() { l.expire(settled) })
	}
	l.mu.Unlock()
	l.emit(ev)
}

func (l *Loop) emit(ev Event) {
	if ev.Err != nil {
		l.log.Warn("scan step failed", "state", ev.State, "error", ev.Err)
	}
	l.notify(ev)
}
