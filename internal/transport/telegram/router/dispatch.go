package router

import (
	"context"
	"runtime"
	"strconv"
	"time"

	kit "castbot/internal/transport"
	rtsup "castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

// Dispatch routes updates until ctx is done or updates is closed.
//
// Work is sharded by chat so messages from one chat are handled in arrival
// order (the /mail prompt must be processed before the content that follows
// it) while different chats proceed in parallel.
func (r *Router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	r.runMu.Unlock()
	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
	}()

	workers := max(runtime.NumCPU(), 2)
	queue := max(r.queue, 1)
	shards := make([]chan func(context.Context), workers)

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	for i := range shards {
		jobs := make(chan func(context.Context), queue)
		shards[i] = jobs
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job(c)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("queue", queue))

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			h, req, ok := r.resolve(up)
			if !ok {
				continue
			}
			jobs := shards[shardFor(req.Chat.ChatID, len(shards))]
			select {
			case jobs <- func(c context.Context) { _ = h(c, req) }:
			default:
				req.Logger.Warn("command queue full; dropping update")
				_ = req.Reply(ctx, "Busy, try again in a moment.")
			}
		}
	}
}

func shardFor(chatID int64, n int) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % int64(n))
}
