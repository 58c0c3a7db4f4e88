package router

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentText struct {
	To   kit.ChatTarget
	Text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentText
	menu []kit.BotCommand
}

func (s *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentText{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.sent)}, nil
}

func (s *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (s *fakeSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	s.mu.Lock()
	s.menu = cmds
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Text)
	}
	return out
}

const admin = int64(99)

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: from, FromID: from, Text: text}}
}

func newTestRouter(t *testing.T) (*Router, *fakeSender, *[]string) {
	t.Helper()
	s := &fakeSender{}
	r := New(logx.Nop(), s, admin, WithBotUsername("@castbot"))
	var mu sync.Mutex
	calls := &[]string{}
	record := func(name string) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			mu.Lock()
			*calls = append(*calls, name+":"+req.Command)
			mu.Unlock()
			return nil
		}
	}
	r.SetCommands([]Command{
		{Name: "start", Description: "subscribe", Handle: record("start")},
		{Name: "stat", Aliases: []string{"stats"}, Description: "subscriber counts", Access: AccessAdmin, Handle: record("stat")},
	})
	r.SetFallback(record("fallback"))
	return r, s, calls
}

func TestRoutesCommands(t *testing.T) {
	r, _, calls := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, msg(1, "/start")))
	require.NoError(t, r.Handle(ctx, msg(1, "/START@castbot")))
	require.NoError(t, r.Handle(ctx, msg(admin, "/stats")))
	require.NoError(t, r.Handle(ctx, msg(1, "hello there")))

	assert.Equal(t, []string{"start:start", "start:start", "stat:stat", "fallback:"}, *calls)
}

func TestIgnoresCommandsForOtherBots(t *testing.T) {
	r, s, calls := newTestRouter(t)
	require.NoError(t, r.Handle(context.Background(), msg(1, "/start@otherbot")))
	assert.Empty(t, *calls)
	assert.Empty(t, s.Texts())
}

func TestAdminOnly(t *testing.T) {
	r, s, calls := newTestRouter(t)
	err := r.Handle(context.Background(), msg(1, "/stat"))
	require.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, *calls)
	assert.Equal(t, []string{"Access denied!"}, s.Texts())

	r.SetAdmin(1)
	require.NoError(t, r.Handle(context.Background(), msg(1, "/stat")))
	assert.Equal(t, []string{"stat:stat"}, *calls)
}

func TestUnknownCommand(t *testing.T) {
	r, s, _ := newTestRouter(t)
	require.NoError(t, r.Handle(context.Background(), msg(1, "/launch")))
	assert.Equal(t, []string{"Unknown command. Try /help"}, s.Texts())
}

func TestHelpHidesAdminCommands(t *testing.T) {
	r, s, _ := newTestRouter(t)
	require.NoError(t, r.Handle(context.Background(), msg(1, "/help")))
	require.NoError(t, r.Handle(context.Background(), msg(admin, "/help")))
	texts := s.Texts()
	require.Len(t, texts, 2)
	assert.NotContains(t, texts[0], "/stat")
	assert.Contains(t, texts[1], "/stat")
}

func TestPanicIsRecovered(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.SetCommands([]Command{{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }}})
	err := r.Handle(context.Background(), msg(1, "/boom"))
	require.ErrorContains(t, err, "kaboom")
}

func TestMenuCommands(t *testing.T) {
	r, s, _ := newTestRouter(t)
	r.PublishMenu(context.Background())
	require.Len(t, s.menu, 3)
	assert.Equal(t, "start", s.menu[0].Command)
	assert.Equal(t, "🔒 subscriber counts", s.menu[1].Description)
	assert.Equal(t, "help", s.menu[2].Command)
}

func TestDispatchKeepsPerChatOrder(t *testing.T) {
	s := &fakeSender{}
	r := New(logx.Nop(), s, admin)
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	r.SetFallback(func(_ context.Context, req *Request) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req.Message.Text)
		if len(seen) == 50 {
			close(done)
		}
		return nil
	})

	updates := make(chan kit.Update, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Dispatch(ctx, updates) }()

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		txt := string(rune('a'+i%26)) + time.Duration(i).String()
		want = append(want, txt)
		updates <- msg(7, txt)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestTokenizeCommandLine(t *testing.T) {
	assert.Equal(t, []string{"/mail", "b c", "--k=v", `x"y`}, tokenizeCommandLine(`/mail "b c" --k=v x\"y`))
	assert.Nil(t, tokenizeCommandLine("   "))
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"a", "--limit", "5", "--dry", "-v", "-x=1", "-abc", "b"})
	assert.Equal(t, []string{"a", "b"}, pos)
	assert.Equal(t, map[string]string{"limit": "5", "x": "1"}, flags)
	assert.Equal(t, map[string]bool{"dry": true, "v": true, "a": true, "b": true, "c": true}, bools)
}

func TestSanitizeTelegramCommand(t *testing.T) {
	assert.Equal(t, "stat", sanitizeTelegramCommand("/Stat"))
	assert.Equal(t, "a_b", sanitizeTelegramCommand("a-b"))
	assert.Equal(t, "cmd_1x", sanitizeTelegramCommand("1x"))
	assert.Equal(t, "", sanitizeTelegramCommand("!!"))
}

func TestNewReqIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newReqID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
