package signaling

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("signaling: channel closed")
	ErrNotConnected = errors.New("signaling: not connected")
)

type EventKind int

const (
	// Connected carries the identity the service assigned to this connection.
	Connected EventKind = iota + 1
	Disconnected
	Message
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Message:
		return "message"
	}
	return "unknown"
}

type Event struct {
	Kind     EventKind
	ID       string
	Envelope Envelope
	Err      error
}

// Channel is the duplex message channel to the call service. Its identity
// changes on every new connection.
type Channel interface {
	Connect(ctx context.Context) error
	ID() string
	Send(env Envelope) error
	Subscribe() (ch chan Event, cancel func())
	Close() error
}

// SendData builds and sends a t message in one step.
func SendData(c Channel, t MessageType, data any) error {
	env, err := NewEnvelope(t, data)
	if err != nil {
		return err
	}
	return c.Send(env)
}
