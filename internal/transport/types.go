package transport

import (
	"context"
	"time"
)

// ChatTarget addresses a chat (and optional forum thread).
type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
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

// Message is an inbound chat message as seen by feature modules.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	At           time.Time
}

func (m Message) Target() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

// Sender is the outbound half of a chat client.
//
// It is the collaborator handed to scheduled tasks and event handlers; the
// implementation must be safe for concurrent use.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a chat client that also produces inbound events.
type Adapter interface {
	Sender
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// MessageReceived is the event kind published for every inbound message.
type MessageReceived struct{}

func (MessageReceived) Kind(Message) {}

// FloodWaitError is returned by senders when the platform asks the client to
// back off. Its RetryAfter method lets retrying callers honour the hint.
type FloodWaitError struct {
	Err   error
	After time.Duration
}

func (e *FloodWaitError) Error() string             { return "flood wait " + e.After.String() + ": " + e.Err.Error() }
func (e *FloodWaitError) Unwrap() error             { return e.Err }
func (e *FloodWaitError) RetryAfter() time.Duration { return e.After }
