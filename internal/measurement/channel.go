package measurement

import (
	"context"

	"github.com/amarcoder01/customsp/pkg/types"
)

// Channel is the session's outbound half of a client connection.
type Channel interface {
	SendText(ctx context.Context, msg string) error
	SendBinary(ctx context.Context, data []byte) error
}

// DuplexChannel can also deliver binary frames sent by the client. Receive
// returns ctx.Err() when ctx ends before a frame arrives.
type DuplexChannel interface {
	Channel
	Receive(ctx context.Context) ([]byte, error)
}

// ProgressSink receives progress events in emission order.
type ProgressSink interface {
	SendProgress(ctx context.Context, p types.Progress) error
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, p types.Progress) error

func (f ProgressFunc) SendProgress(ctx context.Context, p types.Progress) error {
	return f(ctx, p)
}
