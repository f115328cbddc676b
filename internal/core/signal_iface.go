package core

import "context"

// SignalChannel is one independent delivery path for signaling messages.
// Several channels run side by side behind the multiplexer; any one of
// them delivering is enough, duplicates are filtered upstream.
// Owned by the adapter; the adapter must Close() it.
type SignalChannel interface {
	Name() string
	// Send delivers a single message. A failure here is local to this
	// channel; the multiplexer falls back on the others.
	Send(ctx context.Context, msg SignalingMessage) error
	// Start begins the inbound path. Every decoded message is handed to
	// deliver, possibly from multiple goroutines.
	Start(ctx context.Context, deliver func(SignalingMessage)) error
	Close() error
}

// Sender is the outbound half of the multiplexer, all peer sessions need.
type Sender interface {
	Send(ctx context.Context, msg SignalingMessage) error
}
