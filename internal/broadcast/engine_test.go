package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	attempts []int64
	fn       func(ctx context.Context, id int64) error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, id int64, _ Payload) error {
	d.mu.Lock()
	d.attempts = append(d.attempts, id)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return nil
}

func (d *fakeDeliverer) Attempts() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.attempts...)
}

type recordingReporter struct {
	mu       sync.Mutex
	progress []Progress
	finals   []Summary
}

func (r *recordingReporter) ReportProgress(_ context.Context, p Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recordingReporter) ReportFinal(ctx context.Context, s Summary) {
	r.mu.Lock()
	r.finals = append(r.finals, s)
	r.mu.Unlock()
}

type pauseCounter struct {
	mu    sync.Mutex
	count int
}

func (p *pauseCounter) sleep(ctx context.Context, _ time.Duration) error {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *pauseCounter) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

type failingStore struct {
	ids          []int64
	listErr      error
	deactErr     error
	deactivated  []int64
	onDeactivate func(ctx context.Context) error
}

func (s *failingStore) ListActive(context.Context) ([]int64, error) { return s.ids, s.listErr }
func (s *failingStore) Deactivate(ctx context.Context, id int64) error {
	s.deactivated = append(s.deactivated, id)
	if s.onDeactivate != nil {
		return s.onDeactivate(ctx)
	}
	return s.deactErr
}

func seed(t *testing.T, n int) (*storage.Memory, []int64) {
	t.Helper()
	st := storage.NewMemory()
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		id := int64(1000 + i)
		require.NoError(t, st.UpsertActive(context.Background(), id))
		ids = append(ids, id)
	}
	return st, ids
}

func newTestEngine(st Store, d Deliverer, pauses *pauseCounter, opts ...Option) *Engine {
	opts = append([]Option{WithSleep(pauses.sleep)}, opts...)
	return New(st, d, DefaultConfig(), opts...)
}

func currents(ps []Progress) []int {
	out := make([]int, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Current)
	}
	return out
}

func TestRunNoSubscribers(t *testing.T) {
	st, _ := seed(t, 0)
	d := &fakeDeliverer{}
	rep := &recordingReporter{}
	pauses := &pauseCounter{}

	sum, err := newTestEngine(st, d, pauses).Run(context.Background(), Payload{FromChatID: 1, MessageID: 2}, rep)
	require.NoError(t, err)

	assert.Equal(t, []Progress{{Current: 0, Total: 0}}, rep.progress)
	require.Len(t, rep.finals, 1)
	assert.Equal(t, 0, rep.finals[0].Total)
	assert.Equal(t, 0, rep.finals[0].Success)
	assert.Equal(t, 0, rep.finals[0].Errors)
	assert.Empty(t, d.Attempts())
	assert.Equal(t, 0, pauses.Count())
	assert.False(t, sum.Canceled)
}

func TestRunAllSucceed(t *testing.T) {
	st, ids := seed(t, 25)
	d := &fakeDeliverer{}
	rep := &recordingReporter{}
	pauses := &pauseCounter{}

	sum, err := newTestEngine(st, d, pauses).Run(context.Background(), Payload{}, rep)
	require.NoError(t, err)

	assert.Equal(t, ids, d.Attempts(), "each recipient once, in snapshot order")
	assert.Equal(t, []int{0, 10, 20}, currents(rep.progress))
	require.Len(t, rep.finals, 1)
	assert.Equal(t, Summary{Total: 25, Processed: 25, Success: 25}, withoutDuration(rep.finals[0]))
	assert.Equal(t, withoutDuration(sum), withoutDuration(rep.finals[0]))
	assert.Equal(t, 0, pauses.Count())

	active, err := st.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids, active, "successful deliveries leave subscribers active")
}

func TestRunFailureDeactivates(t *testing.T) {
	st, ids := seed(t, 35)
	bad := ids[11] // 12th recipient
	d := &fakeDeliverer{fn: func(_ context.Context, id int64) error {
		if id == bad {
			return errors.New("bot was blocked by the user")
		}
		return nil
	}}
	rep := &recordingReporter{}
	pauses := &pauseCounter{}

	sum, err := newTestEngine(st, d, pauses).Run(context.Background(), Payload{}, rep)
	require.NoError(t, err)

	assert.Len(t, d.Attempts(), 35)
	assert.False(t, st.Active(bad))
	assert.True(t, st.Active(ids[12]))

	require.Len(t, rep.progress, 4)
	assert.Equal(t, Progress{Current: 10, Total: 35, Success: 10, Errors: 0}, rep.progress[1])
	assert.Equal(t, Progress{Current: 20, Total: 35, Success: 19, Errors: 1}, rep.progress[2])
	assert.Equal(t, Progress{Current: 30, Total: 35, Success: 29, Errors: 1}, rep.progress[3])
	assert.Equal(t, 1, pauses.Count())
	assert.Equal(t, Summary{Total: 35, Processed: 35, Success: 34, Errors: 1}, withoutDuration(sum))

	c, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.Counts{Total: 35, Active: 34}, c)
}

func TestPauseCount(t *testing.T) {
	for _, n := range []int{29, 30, 31, 60, 61, 95} {
		st, _ := seed(t, n)
		pauses := &pauseCounter{}
		rep := &recordingReporter{}
		_, err := newTestEngine(st, &fakeDeliverer{}, pauses).Run(context.Background(), Payload{}, rep)
		require.NoError(t, err)
		assert.Equal(t, n/30, pauses.Count(), "n=%d", n)

		// progress is non-decreasing and bounded by total
		last := -1
		for _, p := range rep.progress {
			assert.GreaterOrEqual(t, p.Current, last)
			assert.LessOrEqual(t, p.Current, n)
			last = p.Current
		}
		assert.Len(t, rep.finals, 1)
	}
}

func TestRunCanceledMidway(t *testing.T) {
	st, _ := seed(t, 40)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &fakeDeliverer{}
	d.fn = func(_ context.Context, id int64) error {
		if len(d.attempts) == 15 {
			cancel()
		}
		return nil
	}
	rep := &recordingReporter{}

	sum, err := newTestEngine(st, d, &pauseCounter{}).Run(ctx, Payload{}, rep)
	require.NoError(t, err)

	assert.True(t, sum.Canceled)
	assert.Equal(t, 15, sum.Processed)
	assert.Equal(t, 15, sum.Success)
	require.Len(t, rep.finals, 1)
	assert.Equal(t, 15, rep.finals[0].Processed)
	assert.Len(t, d.Attempts(), 15)
}

func TestCancelDuringDeliveryIsNotCounted(t *testing.T) {
	st, ids := seed(t, 5)
	var eng *Engine
	d := &fakeDeliverer{fn: func(ctx context.Context, id int64) error {
		if id == ids[2] {
			eng.Cancel()
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	rep := &recordingReporter{}
	eng = newTestEngine(st, d, &pauseCounter{})

	sum, err := eng.Run(context.Background(), Payload{}, rep)
	require.NoError(t, err)

	assert.True(t, sum.Canceled)
	assert.Equal(t, Summary{Total: 5, Processed: 2, Success: 2, Canceled: true}, withoutDuration(sum))
	assert.True(t, st.Active(ids[2]), "interrupted recipient stays active")
	assert.Len(t, rep.finals, 1)
	assert.False(t, eng.Cancel(), "nothing left to cancel")
}

func TestDeliveryTimeoutCountsAsFailure(t *testing.T) {
	st, ids := seed(t, 3)
	d := &fakeDeliverer{fn: func(ctx context.Context, id int64) error {
		if id == ids[1] {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	cfg := DefaultConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	pauses := &pauseCounter{}
	eng := New(st, d, cfg, WithSleep(pauses.sleep))

	sum, err := eng.Run(context.Background(), Payload{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Processed: 3, Success: 2, Errors: 1}, withoutDuration(sum))
	assert.False(t, st.Active(ids[1]))
}

func TestConcurrentRunRejected(t *testing.T) {
	st, _ := seed(t, 2)
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	d := &fakeDeliverer{fn: func(ctx context.Context, id int64) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	eng := newTestEngine(st, d, &pauseCounter{})

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), Payload{}, nil)
		done <- err
	}()
	<-entered
	assert.True(t, eng.Running())

	_, err := eng.Run(context.Background(), Payload{}, nil)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, eng.Running())
}

func TestListActiveErrorSkipsReports(t *testing.T) {
	boom := errors.New("disk I/O error")
	st := &failingStore{listErr: boom}
	rep := &recordingReporter{}

	_, err := newTestEngine(st, &fakeDeliverer{}, &pauseCounter{}).Run(context.Background(), Payload{}, rep)
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, rep.progress)
	assert.Empty(t, rep.finals)
}

func TestDeactivateErrorAbortsRun(t *testing.T) {
	st := &failingStore{ids: []int64{1, 2, 3}, deactErr: errors.New("readonly database")}
	d := &fakeDeliverer{fn: func(_ context.Context, id int64) error {
		if id == 2 {
			return errors.New("chat not found")
		}
		return nil
	}}
	rep := &recordingReporter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	sum, err := newTestEngine(st, d, &pauseCounter{}, WithBus(bus)).Run(context.Background(), Payload{}, rep)
	require.ErrorIs(t, err, ErrStore)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, []int64{1, 2}, d.Attempts())
	assert.Empty(t, rep.finals)

	var last eventbus.Event
	for len(ch) > 0 {
		last = <-ch
		assert.NotEqual(t, eventbus.TypeBroadcastFinished, last.Type)
	}
	require.Equal(t, eventbus.TypeBroadcastFailed, last.Type)
	failed, ok := last.Data.(Summary)
	require.True(t, ok)
	assert.Equal(t, Summary{Total: 3, Processed: 2, Success: 1, Errors: 1}, withoutDuration(failed))
}

func TestDeactivateSurvivesLateCancel(t *testing.T) {
	var eng *Engine
	st := &failingStore{ids: []int64{1, 2, 3}}
	st.onDeactivate = func(ctx context.Context) error {
		// the admin cancels right after the failed delivery
		eng.Cancel()
		return ctx.Err()
	}
	d := &fakeDeliverer{fn: func(_ context.Context, id int64) error {
		if id == 2 {
			return errors.New("bot was blocked by the user")
		}
		return nil
	}}
	rep := &recordingReporter{}
	eng = newTestEngine(st, d, &pauseCounter{})

	sum, err := eng.Run(context.Background(), Payload{}, rep)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, st.deactivated)
	assert.Equal(t, Summary{Total: 3, Processed: 2, Success: 1, Errors: 1, Canceled: true}, withoutDuration(sum))
	require.Len(t, rep.finals, 1)
	assert.True(t, rep.finals[0].Canceled)
}

func TestCancelDuringFinalPause(t *testing.T) {
	st, _ := seed(t, 30)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pauses := 0
	sleep := func(ctx context.Context, _ time.Duration) error {
		pauses++
		cancel()
		return ctx.Err()
	}
	rep := &recordingReporter{}

	sum, err := New(st, &fakeDeliverer{}, DefaultConfig(), WithSleep(sleep)).Run(ctx, Payload{}, rep)
	require.NoError(t, err)
	assert.Equal(t, 1, pauses)
	assert.True(t, sum.Canceled)
	assert.Equal(t, 30, sum.Processed)
	assert.Equal(t, 30, sum.Success)
	require.Len(t, rep.finals, 1)
	assert.True(t, rep.finals[0].Canceled)
}

func TestRunPublishesEvents(t *testing.T) {
	st, ids := seed(t, 3)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	d := &fakeDeliverer{fn: func(_ context.Context, id int64) error {
		if id == ids[0] {
			return errors.New("forbidden")
		}
		return nil
	}}
	_, err := newTestEngine(st, d, &pauseCounter{}, WithBus(bus)).Run(context.Background(), Payload{}, nil)
	require.NoError(t, err)

	counts := map[string]int{}
	for len(ch) > 0 {
		e := <-ch
		counts[e.Type]++
		if e.Type == eventbus.TypeSubscriberDeactivated {
			assert.Equal(t, ids[0], e.Data)
		}
	}
	assert.Equal(t, 1, counts[eventbus.TypeBroadcastStarted])
	assert.Equal(t, 3, counts[eventbus.TypeBroadcastDelivery])
	assert.Equal(t, 1, counts[eventbus.TypeSubscriberDeactivated])
	assert.Equal(t, 1, counts[eventbus.TypeBroadcastProgress])
	assert.Equal(t, 1, counts[eventbus.TypeBroadcastFinished])
}

func TestRateLimitedRunCompletes(t *testing.T) {
	st, _ := seed(t, 5)
	cfg := DefaultConfig()
	cfg.RatePerSec = 1000
	pauses := &pauseCounter{}
	sum, err := New(st, &fakeDeliverer{}, cfg, WithSleep(pauses.sleep)).Run(context.Background(), Payload{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Success)
}

func TestCustomPacing(t *testing.T) {
	st, _ := seed(t, 12)
	pauses := &pauseCounter{}
	rep := &recordingReporter{}
	eng := New(st, &fakeDeliverer{}, Config{}, WithSleep(pauses.sleep))
	eng.SetConfig(Config{ProgressEvery: 4, PauseEvery: 5})

	_, err := eng.Run(context.Background(), Payload{}, rep)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 8, 12}, currents(rep.progress))
	assert.Equal(t, 2, pauses.Count())
	assert.Equal(t, DefaultPause, eng.Config().Pause)
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), 0))
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

func withoutDuration(s Summary) Summary {
	s.Duration = 0
	return s
}
