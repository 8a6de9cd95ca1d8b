package dfu

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Pump executes queued flash operations and runs their callbacks.
// flash.Memory implements it.
type Pump interface {
	Pending() int
	Process(n int) int
}

// Loop is the single goroutine that owns an Engine. Transport goroutines
// hand work to it with Post; flash operations are executed between posted
// tasks so completions interleave with requests.
type Loop struct {
	pump  Pump
	tasks chan func()

	resetInterval     time.Duration
	inactivityTimeout time.Duration
	inactivity        *time.Timer

	stop error
	log  *logrus.Entry
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger.
func WithLoopLogger(log *logrus.Entry) LoopOption {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithTimers overrides the reset poll interval and the inactivity timeout.
// A zero timeout disables the inactivity reset.
func WithTimers(reset, inactivity time.Duration) LoopOption {
	return func(l *Loop) {
		l.resetInterval = reset
		l.inactivityTimeout = inactivity
	}
}

// NewLoop creates a loop driving pump.
func NewLoop(pump Pump, opts ...LoopOption) *Loop {
	cfg := DefaultConfig()
	l := &Loop{
		pump:              pump,
		tasks:             make(chan func(), 64),
		resetInterval:     cfg.ResetInterval,
		inactivityTimeout: cfg.InactivityTimeout,
		log:               logrus.WithField("component", "loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues fn to run on the loop. It blocks while the queue is full and
// gives up when ctx is done.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	select {
	case l.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetInactivityTimer implements Host.
func (l *Loop) ResetInactivityTimer() {
	if l.inactivity == nil {
		return
	}
	l.inactivity.Reset(l.inactivityTimeout)
}

// Reset implements Host. Run returns ErrReset once the current task is
// done.
func (l *Loop) Reset() {
	l.log.Info("device reset")
	l.stop = ErrReset
}

// Run drives e until ctx is done, the engine asks for a reset or the
// inactivity timer fires.
func (l *Loop) Run(ctx context.Context, e *Engine) error {
	reset := time.NewTicker(l.resetInterval)
	defer reset.Stop()

	var inactive <-chan time.Time
	if l.inactivityTimeout > 0 {
		l.inactivity = time.NewTimer(l.inactivityTimeout)
		defer l.inactivity.Stop()
		inactive = l.inactivity.C
	}

	for l.stop == nil {
		if l.pump.Pending() > 0 {
			select {
			case fn := <-l.tasks:
				fn()
			case <-ctx.Done():
				return ctx.Err()
			default:
				l.pump.Process(1)
			}
			continue
		}

		select {
		case fn := <-l.tasks:
			fn()
		case <-reset.C:
			e.PollReset()
		case <-inactive:
			l.log.Warn("no activity, resetting")
			return ErrInactivity
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.stop
}
