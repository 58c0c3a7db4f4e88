package broadcast

import (
	"context"
	"time"
)

// Payload references an already received message. It is copied to
// recipients, never re-rendered.
type Payload struct {
	FromChatID int64
	MessageID  int
}

// Store is the subscriber state the engine reads and mutates.
type Store interface {
	ListActive(ctx context.Context) ([]int64, error)
	Deactivate(ctx context.Context, id int64) error
}

// Deliverer sends the payload to one recipient. Any error is a failed delivery.
type Deliverer interface {
	Deliver(ctx context.Context, recipient int64, p Payload) error
}

// Reporter receives progress for one run. Implementations must not block
// for long; errors are theirs to handle.
type Reporter interface {
	ReportProgress(ctx context.Context, p Progress)
	ReportFinal(ctx context.Context, s Summary)
}

type Progress struct {
	Current int
	Total   int
	Success int
	Errors  int
}

type Summary struct {
	Total     int
	Processed int
	Success   int
	Errors    int
	Canceled  bool
	Duration  time.Duration
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Position  int
	Recipient int64
	Err       error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Started is the event payload for a new run.
type Started struct {
	Total   int
	Payload Payload
}

// Config controls pacing. Zero fields take the defaults.
type Config struct {
	ProgressEvery int
	PauseEvery    int
	Pause         time.Duration
	SendTimeout   time.Duration
	// RatePerSec caps delivery attempts per second on top of the pauses. 0 disables it.
	RatePerSec float64
}

const (
	DefaultProgressEvery = 10
	DefaultPauseEvery    = 30
	DefaultPause         = time.Second
	DefaultSendTimeout   = 10 * time.Second
)

func DefaultConfig() Config {
	return Config{
		ProgressEvery: DefaultProgressEvery,
		PauseEvery:    DefaultPauseEvery,
		Pause:         DefaultPause,
		SendTimeout:   DefaultSendTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	if c.PauseEvery <= 0 {
		c.PauseEvery = DefaultPauseEvery
	}
	if c.Pause <= 0 {
		c.Pause = DefaultPause
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	return c
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) ReportProgress(context.Context, Progress) {}
func (NopReporter) ReportFinal(context.Context, Summary)     {}
