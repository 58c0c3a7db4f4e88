package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "castbot/pkg/logx"
)

var errExited = errors.New("exited")

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minDelay time.Duration
	maxDelay time.Duration
	// a run lasting at least healthyAfter resets the delay to minDelay
	healthyAfter    time.Duration
	maxRestarts     int // 0 restarts forever
	stopOnCleanExit bool
	publishErr      bool
}

func defaultRestartPolicy() restartPolicy {
	return restartPolicy{
		minDelay:        250 * time.Millisecond,
		maxDelay:        30 * time.Second,
		healthyAfter:    30 * time.Second,
		stopOnCleanExit: true,
	}
}

// WithRestartBackoff sets the first and the largest delay between restarts.
func WithRestartBackoff(first, limit time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if first > 0 {
			p.minDelay = first
		}
		if limit > 0 {
			p.maxDelay = limit
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records failures in Err even though the task keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the task (the default)
// or triggers another restart.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// delay is the wait before restart number attempt (0-based), doubled per
// attempt up to maxDelay plus up to 20% jitter.
func (p restartPolicy) delay(attempt int) time.Duration {
	d := p.minDelay
	for i := 0; i < attempt && d < p.maxDelay; i++ {
		d *= 2
	}
	d = min(d, p.maxDelay)
	return d + rand.N(d/5+1)
}

// GoRestart runs fn as a named task and runs it again after a failure or a
// panic until the context ends. Meant for pollers and servers.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := defaultRestartPolicy()
	for _, o := range opts {
		o(&p)
	}
	if p.maxDelay < p.minDelay {
		p.maxDelay = p.minDelay
	}
	log := s.log.With(logx.String("task", name))

	s.Go0(name+".restart", func(ctx context.Context) {
		attempt := 0
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(log, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					return
				}
				err = errExited
			}
			if p.publishErr {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				log.Error("task gave up", logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			if time.Since(began) >= p.healthyAfter {
				attempt = 0
			}
			wait := p.delay(attempt)
			attempt++
			log.Warn("task restarting", logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// GoRestart0 is GoRestart for tasks that cannot fail.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}
