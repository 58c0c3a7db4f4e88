package mailing

import (
	"context"
	"sync"

	"castbot/internal/broadcast"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// StatusReporter keeps one status message per run: the first report sends
// it and later reports edit it. Send errors are logged, never returned.
type StatusReporter struct {
	sender kit.Sender
	chat   kit.ChatTarget
	log    logx.Logger

	mu  sync.Mutex
	ref *kit.MessageRef
}

func NewStatusReporter(sender kit.Sender, chat kit.ChatTarget, log logx.Logger) *StatusReporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StatusReporter{sender: sender, chat: chat, log: log}
}

func (r *StatusReporter) ReportProgress(ctx context.Context, p broadcast.Progress) {
	r.show(ctx, progressText(p))
}

func (r *StatusReporter) ReportFinal(ctx context.Context, s broadcast.Summary) {
	r.show(ctx, finalText(s))
}

func (r *StatusReporter) show(ctx context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ref != nil {
		if err := r.sender.EditText(ctx, *r.ref, text, nil); err != nil {
			r.log.Warn("status edit failed", logx.Err(err))
		}
		return
	}
	ref, err := r.sender.SendText(ctx, r.chat, text, nil)
	if err != nil {
		r.log.Warn("status send failed", logx.Err(err))
		return
	}
	r.ref = &ref
}
