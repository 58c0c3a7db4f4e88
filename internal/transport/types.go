package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound chat message. Media messages carry their caption in
// Text and set HasMedia so they can still be used as broadcast payloads.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	HasMedia     bool
	IsGroup      bool
}

// IsCommand reports whether the message text starts with a slash command.
func (m *Message) IsCommand() bool {
	if m == nil {
		return false
	}
	return len(m.Text) > 1 && m.Text[0] == '/'
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of an Adapter. Log sinks and reporters only need this.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// Copier replicates an existing message into another chat without re-rendering it.
type Copier interface {
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
}

type Adapter interface {
	Sender
	Copier

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
