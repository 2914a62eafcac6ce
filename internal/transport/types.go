package transport

import "context"

// ChatTarget addresses a staff chat (optionally a forum topic thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound escalation message.
type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers messages to a staff chat. Implementations own their
// platform specifics (formatting limits, throttling hints).
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
	Stop(ctx context.Context) error
}
