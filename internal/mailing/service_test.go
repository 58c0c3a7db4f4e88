package mailing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminID = int64(500)

type fakeChat struct {
	mu     sync.Mutex
	seq    int
	sent   map[int64][]string
	edits  map[int][]string
	copies []int64
	failTo map[int64]bool
	block  chan struct{}
}

func newFakeChat() *fakeChat {
	return &fakeChat{sent: map[int64][]string{}, edits: map[int][]string{}, failTo: map[int64]bool{}}
}

func (f *fakeChat) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.seq}, nil
}

func (f *fakeChat) EditText(_ context.Context, ref kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[ref.MessageID] = append(f.edits[ref.MessageID], text)
	return nil
}

func (f *fakeChat) CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, to.ChatID)
	if f.failTo[to.ChatID] {
		return kit.MessageRef{}, errors.New("Forbidden: bot was blocked by the user")
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: from.MessageID}, nil
}

func (f *fakeChat) Sent(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chat]...)
}

func (f *fakeChat) AllEdits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.edits {
		out = append(out, e...)
	}
	return out
}

type harness struct {
	chat   *fakeChat
	store  *storage.Memory
	engine *broadcast.Engine
	svc    *Service
	router *router.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{chat: newFakeChat(), store: storage.NewMemory()}
	h.engine = broadcast.New(h.store, CopyDeliverer{Copier: h.chat}, broadcast.DefaultConfig(),
		broadcast.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	h.svc = New(Deps{Store: h.store, Runner: h.engine, Sender: h.chat, Logger: logx.Nop()})
	h.router = router.New(logx.Nop(), h.chat, adminID)
	h.router.SetCommands(h.svc.Commands())
	h.router.SetFallback(h.svc.HandleMessage)
	return h
}

func (h *harness) send(t *testing.T, from int64, msgID int, text string) error {
	t.Helper()
	return h.router.Handle(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: msgID, ChatID: from, FromID: from, Text: text,
	}})
}

func (h *harness) waitRuns(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(ctx))
}

func TestStartRegistersOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.send(t, 1, 1, "/start"))
	require.NoError(t, h.send(t, 1, 2, "/start"))

	c, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.Counts{Total: 1, Active: 1}, c)
	assert.Equal(t, []string{textWelcome, textWelcome}, h.chat.Sent(1))
}

func TestStatForAdmin(t *testing.T) {
	h := newHarness(t)
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, h.send(t, id, 1, "/start"))
	}
	require.NoError(t, h.store.Deactivate(context.Background(), 2))

	require.NoError(t, h.send(t, adminID, 1, "/stat"))
	assert.Equal(t, []string{"📊 Stats:\n• Total users: 3\n• Active: 2"}, h.chat.Sent(adminID))

	require.ErrorIs(t, h.send(t, 1, 3, "/stat"), router.ErrForbidden)
}

func TestEcho(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.send(t, 7, 1, "hi"))
	require.NoError(t, h.send(t, adminID, 1, "not a broadcast"))
	assert.Equal(t, []string{"📨 You wrote: hi"}, h.chat.Sent(7))
	assert.Equal(t, []string{"📨 You wrote: not a broadcast"}, h.chat.Sent(adminID))
}

func TestMailThenContentBroadcasts(t *testing.T) {
	h := newHarness(t)
	for id := int64(1); id <= 12; id++ {
		require.NoError(t, h.send(t, id, 1, "/start"))
	}
	h.chat.failTo[4] = true

	require.NoError(t, h.send(t, adminID, 10, "/mail"))
	assert.Equal(t, StateAwaitingContent, h.svc.Sessions().State(adminID))
	require.NoError(t, h.send(t, adminID, 11, "Big news"))
	assert.Equal(t, StateIdle, h.svc.Sessions().State(adminID))
	h.waitRuns(t)

	assert.Len(t, h.chat.copies, 12)
	assert.False(t, h.store.Active(4))
	assert.True(t, h.store.Active(5))

	sent := h.chat.Sent(adminID)
	require.Len(t, sent, 2)
	assert.Equal(t, textPrompt, sent[0])
	assert.Equal(t, "⏳ Broadcast started (0/12)", sent[1])

	edits := h.chat.AllEdits()
	require.Len(t, edits, 2)
	assert.Equal(t, "⏳ Broadcast: 10/12 sent\n✅ Success: 9\n❌ Errors: 1", edits[0])
	assert.True(t, strings.HasPrefix(edits[1], "✅ Broadcast complete!\n• Total: 12\n• Success: 11\n• Errors: 1"), edits[1])

	// the content message is not echoed
	for _, s := range sent {
		assert.NotContains(t, s, "You wrote")
	}
}

func TestCancelPendingMail(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.send(t, adminID, 1, "/mail"))
	require.NoError(t, h.send(t, adminID, 2, "/cancel"))
	assert.Equal(t, StateIdle, h.svc.Sessions().State(adminID))
	require.NoError(t, h.send(t, adminID, 3, "/cancel"))
	assert.Equal(t, []string{textPrompt, textSetupCanceled, textNothing}, h.chat.Sent(adminID))
}

func TestCancelRunningBroadcast(t *testing.T) {
	h := newHarness(t)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, h.send(t, id, 1, "/start"))
	}
	h.chat.block = make(chan struct{})

	require.NoError(t, h.send(t, adminID, 1, "/mail"))
	require.NoError(t, h.send(t, adminID, 2, "payload"))
	require.Eventually(t, h.engine.Running, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.send(t, adminID, 3, "/mail"))
	require.NoError(t, h.send(t, adminID, 4, "/cancel"))
	h.waitRuns(t)

	sent := h.chat.Sent(adminID)
	assert.Contains(t, sent, textAlreadyActive)
	assert.Contains(t, sent, textCanceling)
	edits := h.chat.AllEdits()
	require.NotEmpty(t, edits)
	assert.True(t, strings.HasPrefix(edits[len(edits)-1], "⛔ Broadcast canceled at 0/3"), edits[len(edits)-1])
	for id := int64(1); id <= 3; id++ {
		assert.True(t, h.store.Active(id))
	}
}

type brokenStore struct{ storage.Store }

func (brokenStore) ListActive(context.Context) ([]int64, error) {
	return nil, errors.New("database is locked")
}

func TestStoreFailureReported(t *testing.T) {
	h := newHarness(t)
	st := brokenStore{Store: h.store}
	h.engine = broadcast.New(st, CopyDeliverer{Copier: h.chat}, broadcast.DefaultConfig())
	h.svc = New(Deps{Store: st, Runner: h.engine, Sender: h.chat})
	h.router.SetCommands(h.svc.Commands())
	h.router.SetFallback(h.svc.HandleMessage)

	require.NoError(t, h.send(t, adminID, 1, "/mail"))
	require.NoError(t, h.send(t, adminID, 2, "payload"))
	h.waitRuns(t)

	sent := h.chat.Sent(adminID)
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "❌ Broadcast failed")
	assert.Contains(t, sent[1], "database is locked")
}

func TestStatusReporterSendsThenEdits(t *testing.T) {
	chat := newFakeChat()
	r := NewStatusReporter(chat, kit.ChatTarget{ChatID: 9}, logx.Nop())
	r.ReportProgress(context.Background(), broadcast.Progress{Total: 3})
	r.ReportProgress(context.Background(), broadcast.Progress{Current: 3, Total: 3, Success: 3})
	r.ReportFinal(context.Background(), broadcast.Summary{Total: 3, Processed: 3, Success: 3})

	assert.Equal(t, []string{"⏳ Broadcast started (0/3)"}, chat.Sent(9))
	assert.Len(t, chat.AllEdits(), 2)
}
