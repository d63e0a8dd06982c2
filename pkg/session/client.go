package session

import (
	"context"

	"github.com/sipeed/wabridge/pkg/bus"
)

// Client is the underlying platform client. The Controller is the only
// component that creates or destroys one; everyone else borrows it for the
// duration of a single call.
type Client interface {
	// Connect starts the session. Lifecycle signals arrive on the
	// EventHandler given to the factory, possibly before Connect returns.
	Connect(ctx context.Context) error

	// SendText delivers body to a normalized address and returns the
	// platform message ID.
	SendText(ctx context.Context, to, body string) (string, error)

	// Destroy tears the client down and releases its resources.
	Destroy() error
}

// Linker is implemented by clients that know their linked account before
// connecting, e.g. from a persisted device store.
type Linker interface {
	LinkedAccount() *bus.Account
}

// ClientFactory creates a client that reports to handler.
type ClientFactory func(ctx context.Context, handler EventHandler) (Client, error)

// EventHandler receives lifecycle signals from a client.
type EventHandler func(Event)

// Event is one of the client signals below.
type Event interface{ clientEvent() }

// QREvent carries a raw linking-challenge payload.
type QREvent struct{ Code string }

// ReadyEvent means the session is linked and usable.
type ReadyEvent struct{ Account *bus.Account }

// AuthFailureEvent means the platform rejected the session.
type AuthFailureEvent struct{ Reason string }

// DisconnectedEvent means the session was invalidated remotely or the
// connection dropped.
type DisconnectedEvent struct{ Reason string }

// FaultEvent is a client-level error that does not by itself change state.
type FaultEvent struct{ Err error }

// MessageEvent is an inbound message.
type MessageEvent struct{ Message bus.InboundMessage }

func (QREvent) clientEvent()           {}
func (ReadyEvent) clientEvent()        {}
func (AuthFailureEvent) clientEvent()  {}
func (DisconnectedEvent) clientEvent() {}
func (FaultEvent) clientEvent()        {}
func (MessageEvent) clientEvent()      {}
