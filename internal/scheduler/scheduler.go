package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "castbot/pkg/logx"
)

const DefaultJobTimeout = 30 * time.Second

// Config describes one periodic job.
type Config struct {
	// Spec is any form ParseSpec accepts. Empty disables the job.
	Spec     string
	Timezone string
	Timeout  time.Duration
}

// Job is the scheduled work. Its error is logged.
type Job func(ctx context.Context) error

// Service triggers one named job on a cron schedule. Overlapping runs are
// skipped and panics are recovered by the cron chain.
type Service struct {
	name string
	job  Job
	log  logx.Logger

	mu    sync.Mutex
	cfg   Config
	ctx   context.Context
	c     *cron.Cron
	entry cron.EntryID
}

func New(name string, cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{name: name, cfg: cfg, job: job, log: log}
}

// LoadLocation resolves tz; empty means the process local zone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.cfg.Spec) != ""
}

// Start begins triggering. ctx bounds every job run. A disabled config is
// not an error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if strings.TrimSpace(s.cfg.Spec) == "" {
		s.log.Debug("schedule disabled", logx.String("job", s.name))
		return nil
	}
	sched, err := ParseSpec(s.cfg.Spec)
	if err != nil {
		return err
	}
	loc, err := LoadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entry = c.Schedule(sched, cron.FuncJob(s.runOnce))
	s.c = c
	c.Start()
	s.log.Info("schedule started",
		logx.String("job", s.name),
		logx.String("spec", s.cfg.Spec),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(s.entry).Next),
	)
	return nil
}

// Stop halts triggering and waits for a running job until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.ctx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped", logx.String("job", s.name))
}

// Apply swaps the schedule. A running service restarts with the new config.
// An invalid config keeps the previous one.
func (s *Service) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.Spec) != "" {
		if _, err := ParseSpec(cfg.Spec); err != nil {
			return err
		}
	}
	if _, err := LoadLocation(cfg.Timezone); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cfg == cfg {
		s.mu.Unlock()
		return nil
	}
	s.cfg = cfg
	old := s.c
	s.c = nil
	s.entry = 0
	started := s.ctx != nil
	s.mu.Unlock()

	// jobs take s.mu; wait for the old cron outside it
	if old != nil {
		<-old.Stop().Done()
	}
	if !started {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.ctx == nil {
		return nil
	}
	return s.startLocked()
}

// Next is the next trigger time, or zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) runOnce() {
	s.mu.Lock()
	parent := s.ctx
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.log.Warn("scheduled job failed", logx.String("job", s.name), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job done", logx.String("job", s.name), logx.Duration("took", time.Since(start)))
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
