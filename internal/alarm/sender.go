package alarm

import "context"

// Sender delivers a text to one destination of a channel: a phone number,
// a chat id or a pub/sub channel. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, destination, text string) error

func (f SenderFunc) Send(ctx context.Context, destination, text string) error {
	return f(ctx, destination, text)
}
