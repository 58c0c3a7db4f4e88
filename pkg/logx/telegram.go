package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "castbot/internal/transport"
)

const (
	telegramQueueSize   = 256
	telegramSendTimeout = 10 * time.Second
	telegramMaxMessage  = 3500
	telegramMaxValue    = 600
)

type telegramItem struct {
	to   kit.ChatTarget
	text string
}

// telegramSink forwards events at or above minLevel to the operator chat.
// Writes never block: over the rate limit or with a full queue the event
// is dropped.
type telegramSink struct {
	sender kit.Sender
	queue  chan telegramItem

	mu       sync.Mutex
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc

	startOnce sync.Once
	wg        sync.WaitGroup
}

func newTelegramSink(sender kit.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan telegramItem, telegramQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.target.ChatID = chatID
	if threadID != 0 {
		t.target.ThreadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target.ChatID != 0
}

func (t *telegramSink) configure(tc TelegramConfig) {
	rps := max(tc.RatePerSec, 1)
	t.mu.Lock()
	t.minLevel = parseLevel(tc.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if tc.ThreadID != 0 {
		t.target.ThreadID = tc.ThreadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) start() {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go t.run(ctx)
	})
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, telegramSendTimeout)
			_, _ = t.sender.SendText(sctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel renders p right away; zerolog reuses the buffer after return.
func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLevel, lim := t.target, t.minLevel, t.limiter
	t.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := renderEvent(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramItem{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// renderEvent turns one JSON log line into "[LEVEL] message" followed by
// one "- key=value" line per field in key order.
func renderEvent(p []byte) string {
	line := strings.TrimSpace(string(p))
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	var ev map[string]any
	if err := dec.Decode(&ev); err != nil {
		return truncate(line, telegramMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := ev[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := ev[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(ev, zerolog.LevelFieldName)
	delete(ev, zerolog.MessageFieldName)
	delete(ev, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(ev[k]), telegramMaxValue))
	}
	return truncate(b.String(), telegramMaxMessage)
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n < 10 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
