package router

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one routed message. For fallback (non-command) messages
// Command is empty and Args is nil.
type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	IsAdmin bool

	Command   string
	Args      []string // positionals
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML is Reply with HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) (kit.MessageRef, error) {
	return r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
}

// Router maps slash commands to handlers and everything else to a fallback.
type Router struct {
	log    logx.Logger
	sender kit.Sender

	admin atomic.Int64

	mu       sync.RWMutex
	cmds     map[string]*Command // name and aliases
	list     []Command           // registration order, for help and menu
	fallback HandlerFunc
	botName  string

	defaultTimeout time.Duration
	queue          int

	runMu   sync.Mutex
	running bool
}

type Option func(*Router)

// WithDefaultTimeout bounds handlers without their own Timeout.
func WithDefaultTimeout(d time.Duration) Option { return func(r *Router) { r.defaultTimeout = d } }

// WithQueueSize sets the per-worker job buffer.
func WithQueueSize(n int) Option { return func(r *Router) { r.queue = n } }

// WithBotUsername makes "/cmd@name" addressed to other bots ignored in groups.
func WithBotUsername(name string) Option {
	return func(r *Router) { r.botName = strings.ToLower(strings.TrimPrefix(name, "@")) }
}

func New(log logx.Logger, sender kit.Sender, adminID int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:            log.With(logx.String("comp", "telegram.router")),
		sender:         sender,
		cmds:           map[string]*Command{},
		defaultTimeout: 30 * time.Second,
		queue:          64,
	}
	r.admin.Store(adminID)
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetAdmin replaces the administrator identity. Safe during hot reload.
func (r *Router) SetAdmin(id int64) { r.admin.Store(id) }

func (r *Router) Admin() int64 { return r.admin.Load() }

// SetFallback installs the handler for messages that are not commands.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetCommands replaces the command registry. A /help command is always added.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "show available commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.ReplyHTML(ctx, r.helpText(req.IsAdmin))
			return err
		},
	})

	byName := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := normalizeName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := byName[name]; dup {
			r.log.Warn("duplicate command ignored", logx.String("cmd", name))
			continue
		}
		cp := c
		byName[name] = &cp
		for _, a := range c.Aliases {
			if a = normalizeName(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = &cp
				}
			}
		}
		list = append(list, c)
	}

	r.mu.Lock()
	r.cmds = byName
	r.list = list
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.list...)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}

// resolve builds the handler and request for an update. ok is false when
// the update should be ignored.
func (r *Router) resolve(up kit.Update) (HandlerFunc, *Request, bool) {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return nil, nil, false
	}
	admin := r.admin.Load()
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		IsAdmin: admin != 0 && msg.FromID == admin,
		ReqID:   newReqID(),
		Sender:  r.sender,
	}
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)

	r.mu.RLock()
	fallback := r.fallback
	cmds := r.cmds
	r.mu.RUnlock()

	if !msg.IsCommand() {
		if fallback == nil {
			return nil, nil, false
		}
		return Chain(fallback, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.defaultTimeout)), req, true
	}

	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return nil, nil, false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if at := strings.IndexByte(word, '@'); at >= 0 {
		target := strings.ToLower(word[at+1:])
		if r.botName != "" && target != r.botName {
			return nil, nil, false
		}
		word = word[:at]
	}
	word = strings.ToLower(word)

	cmd, ok := cmds[word]
	if !ok {
		return func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "Unknown command. Try /help")
		}, req, true
	}

	req.Command = cmd.Name
	req.RawArgs = parts[1:]
	req.Args, req.Flags, req.BoolFlags = parseFlags(req.RawArgs)
	req.Logger = req.Logger.With(logx.String("cmd", cmd.Name))

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWAccess(cmd.Access),
		MWTimeout(timeout),
	), req, true
}

// Handle routes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	h, req, ok := r.resolve(up)
	if !ok {
		return nil
	}
	return h(ctx, req)
}
