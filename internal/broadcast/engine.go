package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	finalReportTimeout = 15 * time.Second
	deactivateTimeout  = 5 * time.Second
)

// Engine runs broadcasts. At most one run is in flight per Engine.
type Engine struct {
	store     Store
	deliverer Deliverer
	bus       eventbus.Bus
	log       logx.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	mu     sync.Mutex
	cfg    Config
	cancel context.CancelFunc

	running atomic.Bool
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithSleep replaces the pacing pause. fn must return ctx.Err() when ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store Store, deliverer Deliverer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		deliverer: deliverer,
		cfg:       cfg.withDefaults(),
		sleep:     sleepCtx,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "broadcast"))
	if e.bus == nil {
		e.bus = eventbus.Nop{}
	}
	return e
}

// SetConfig replaces the pacing config. A run in flight keeps the config it started with.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) Running() bool { return e.running.Load() }

// Cancel stops the run in flight, if any. It reports whether a run was canceled.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Run delivers p to every active subscriber and returns the run summary.
//
// Cancelling ctx (or calling Cancel) ends the run early: the final report
// still goes out and the summary has Canceled set, with a nil error. A store
// failure returns an error wrapping ErrStore, skips the final report and
// publishes broadcast.failed with the partial summary.
func (e *Engine) Run(ctx context.Context, p Payload, r Reporter) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	cfg := e.cfg
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	if r == nil {
		r = NopReporter{}
	}
	start := e.now()

	ids, err := e.store.ListActive(ctx)
	if err != nil {
		e.log.Error("list active subscribers failed", logx.Err(err))
		return Summary{}, fmt.Errorf("%w: list active: %w", ErrStore, err)
	}
	total := len(ids)
	sum := Summary{Total: total}

	e.log.Info("broadcast started",
		logx.Int("total", total),
		logx.Int64("from_chat", p.FromChatID),
		logx.Int("message_id", p.MessageID),
	)
	e.publish(eventbus.TypeBroadcastStarted, Started{Total: total, Payload: p})
	e.progress(ctx, r, Progress{Total: total})

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	for i, id := range ids {
		pos := i + 1
		if ctx.Err() != nil {
			sum.Canceled = true
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				sum.Canceled = true
				break
			}
		}

		out := e.deliver(ctx, pos, id, p, cfg.SendTimeout)
		if !out.OK() && ctx.Err() != nil {
			// interrupted by our own cancellation, not the recipient's fault
			sum.Canceled = true
			break
		}
		sum.Processed = pos
		e.publish(eventbus.TypeBroadcastDelivery, out)

		if out.OK() {
			sum.Success++
		} else {
			sum.Errors++
			e.log.Debug("delivery failed; deactivating", logx.Int64("recipient", id), logx.Err(out.Err))
			if err := e.deactivate(ctx, id); err != nil {
				sum.Duration = e.now().Sub(start)
				e.log.Error("deactivate subscriber failed", logx.Int64("recipient", id), logx.Err(err))
				e.publish(eventbus.TypeBroadcastFailed, sum)
				return sum, fmt.Errorf("%w: deactivate %d: %w", ErrStore, id, err)
			}
			e.publish(eventbus.TypeSubscriberDeactivated, id)
		}

		if pos%cfg.ProgressEvery == 0 {
			e.progress(ctx, r, Progress{Current: pos, Total: total, Success: sum.Success, Errors: sum.Errors})
		}
		if pos%cfg.PauseEvery == 0 {
			if err := e.sleep(ctx, cfg.Pause); err != nil {
				sum.Canceled = true
				break
			}
		}
	}

	sum.Duration = e.now().Sub(start)

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalReportTimeout)
	r.ReportFinal(fctx, sum)
	fcancel()

	e.publish(eventbus.TypeBroadcastFinished, sum)
	e.log.Info("broadcast finished",
		logx.Int("total", sum.Total),
		logx.Int("processed", sum.Processed),
		logx.Int("success", sum.Success),
		logx.Int("errors", sum.Errors),
		logx.Bool("canceled", sum.Canceled),
		logx.Duration("took", sum.Duration),
	)
	return sum, nil
}

func (e *Engine) deliver(ctx context.Context, pos int, id int64, p Payload, timeout time.Duration) Outcome {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := e.deliverer.Deliver(dctx, id, p)
	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("delivery timed out after %s: %w", timeout, err)
	}
	return Outcome{Position: pos, Recipient: id, Err: err}
}

// deactivate outlives a cancel that lands after the failed delivery.
func (e *Engine) deactivate(ctx context.Context, id int64) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deactivateTimeout)
	defer cancel()
	return e.store.Deactivate(dctx, id)
}

func (e *Engine) progress(ctx context.Context, r Reporter, p Progress) {
	r.ReportProgress(ctx, p)
	e.publish(eventbus.TypeBroadcastProgress, p)
}

func (e *Engine) publish(typ string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
