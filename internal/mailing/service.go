package mailing

import (
	"context"
	"errors"
	"sync"

	"castbot/internal/broadcast"
	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"
)

// Runner is the broadcast engine as seen by the chat surface.
type Runner interface {
	Run(ctx context.Context, p broadcast.Payload, r broadcast.Reporter) (broadcast.Summary, error)
	Running() bool
	Cancel() bool
}

type Deps struct {
	Store  storage.Store
	Runner Runner
	Sender kit.Sender
	Bus    eventbus.Bus
	// Supervisor owns background broadcast runs. Runs stop when it is canceled.
	Supervisor *rtsup.Supervisor
	Logger     logx.Logger
}

type Service struct {
	store    storage.Store
	runner   Runner
	sender   kit.Sender
	bus      eventbus.Bus
	sup      *rtsup.Supervisor
	log      logx.Logger
	sessions *Sessions

	runs sync.WaitGroup
}

func New(d Deps) *Service {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		store:    d.Store,
		runner:   d.Runner,
		sender:   d.Sender,
		bus:      bus,
		sup:      d.Supervisor,
		log:      log.With(logx.String("comp", "mailing")),
		sessions: NewSessions(),
	}
}

func (s *Service) Sessions() *Sessions { return s.sessions }

// Commands returns the chat commands served by the bot.
func (s *Service) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "subscribe to broadcasts", Access: router.AccessEveryone, Handle: s.handleStart},
		{Name: "stat", Aliases: []string{"stats"}, Description: "subscriber counts", Access: router.AccessAdmin, Handle: s.handleStat},
		{Name: "mail", Aliases: []string{"broadcast"}, Description: "broadcast the next message to all subscribers", Access: router.AccessAdmin, Handle: s.handleMail},
		{Name: "cancel", Description: "abort a pending or running broadcast", Access: router.AccessAdmin, Handle: s.handleCancel},
	}
}

func (s *Service) handleStart(ctx context.Context, req *router.Request) error {
	if err := s.store.UpsertActive(ctx, req.FromID); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriberJoined, Data: req.FromID})
	return req.Reply(ctx, textWelcome)
}

func (s *Service) handleStat(ctx context.Context, req *router.Request) error {
	return s.SendStats(ctx, req.Chat)
}

// SendStats sends the subscriber counts to the given chat.
func (s *Service) SendStats(ctx context.Context, to kit.ChatTarget) error {
	c, err := s.store.Counts(ctx)
	if err != nil {
		return err
	}
	_, err = s.sender.SendText(ctx, to, statsText(c), nil)
	return err
}

func (s *Service) handleMail(ctx context.Context, req *router.Request) error {
	if s.runner.Running() {
		return req.Reply(ctx, textAlreadyActive)
	}
	s.sessions.Await(req.FromID)
	return req.Reply(ctx, textPrompt)
}

func (s *Service) handleCancel(ctx context.Context, req *router.Request) error {
	switch {
	case s.sessions.Take(req.FromID):
		return req.Reply(ctx, textSetupCanceled)
	case s.runner.Cancel():
		return req.Reply(ctx, textCanceling)
	default:
		return req.Reply(ctx, textNothing)
	}
}

// HandleMessage serves non-command messages: the administrator's pending
// broadcast content, or an echo for everyone else.
func (s *Service) HandleMessage(ctx context.Context, req *router.Request) error {
	if req.IsAdmin && s.sessions.Take(req.FromID) {
		s.startBroadcast(req)
		return nil
	}
	return req.Reply(ctx, echoText(req.Message.Text))
}

func (s *Service) startBroadcast(req *router.Request) {
	p := broadcast.Payload{FromChatID: req.Chat.ChatID, MessageID: req.Message.ID}
	reporter := NewStatusReporter(s.sender, req.Chat, req.Logger)
	log := req.Logger

	s.runs.Add(1)
	run := func(ctx context.Context) error {
		defer s.runs.Done()
		_, err := s.runner.Run(ctx, p, reporter)
		switch {
		case err == nil:
		case errors.Is(err, broadcast.ErrRunInProgress):
			_, _ = s.sender.SendText(ctx, req.Chat, textAlreadyActive, nil)
		default:
			log.Error("broadcast failed", logx.Err(err))
			_, _ = s.sender.SendText(context.WithoutCancel(ctx), req.Chat, failedText(err), nil)
		}
		// failures were reported in chat
		return nil
	}
	if s.sup != nil {
		s.sup.Go("broadcast.run", run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

// Wait blocks until background runs started by this service have returned.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
