package client

import (
	"context"
)

// Transport is one open text-framed connection to the server. Each frame
// carries one or more serialized stanzas.
// This allows for a fake transport in tests while the real wsTransport
// implements all these methods
type Transport interface {
	// Send queues one frame for writing. It never blocks on the network.
	Send(text string) error

	// Incoming delivers inbound frames in arrival order. It is closed when
	// the transport ends.
	Incoming() <-chan string

	// Done is closed once the transport has ended, for any reason.
	Done() <-chan struct{}

	// Err returns the reason the transport ended, or nil while it is open
	// or after a local Close.
	Err() error

	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}
