// Package sigtest provides an in-memory signaling.Channel for tests.
package sigtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/guestcall/internal/signaling"
)

// Fake records outbound envelopes and lets a test drive inbound events.
type Fake struct {
	hub *signaling.Hub

	mu      sync.Mutex
	id      string
	ids     []string
	dials   int
	sent    []signaling.Envelope
	sentCh  chan signaling.Envelope
	closed  bool
	cancels int
	SendErr error
}

// New returns a fake that hands out ids in order on each Connect, then
// generated ones.
func New(ids ...string) *Fake {
	return &Fake{
		hub:    signaling.NewHub(),
		ids:    ids,
		sentCh: make(chan signaling.Envelope, 256),
	}
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return signaling.ErrClosed
	}
	f.dials++
	if len(f.ids) > 0 {
		f.id, f.ids = f.ids[0], f.ids[1:]
	} else {
		f.id = fmt.Sprintf("socket-%d", f.dials)
	}
	id := f.id
	f.mu.Unlock()
	f.hub.Publish(signaling.Event{Kind: signaling.Connected, ID: id})
	return nil
}

// Drop simulates the service closing the connection.
func (f *Fake) Drop() {
	f.mu.Lock()
	f.id = ""
	f.mu.Unlock()
	f.hub.Publish(signaling.Event{Kind: signaling.Disconnected})
}

func (f *Fake) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *Fake) Send(env signaling.Envelope) error {
	f.mu.Lock()
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	select {
	case f.sentCh <- env:
	default:
	}
	return nil
}

// Subscribe counts every call of the returned cancel, repeated ones included.
func (f *Fake) Subscribe() (chan signaling.Event, func()) {
	ch, cancel := f.hub.Subscribe()
	return ch, func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
		cancel()
	}
}

// Cancels reports how many times a subscription was cancelled.
func (f *Fake) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.hub.Close()
	return nil
}

// Deliver pushes an inbound message as if the service had sent it.
func (f *Fake) Deliver(t testing.TB, typ signaling.MessageType, data any) {
	t.Helper()
	env, err := signaling.NewEnvelope(typ, data)
	if err != nil {
		t.Fatal(err)
	}
	f.DeliverEnvelope(env)
}

func (f *Fake) DeliverEnvelope(env signaling.Envelope) {
	f.hub.Publish(signaling.Event{Kind: signaling.Message, ID: f.ID(), Envelope: env})
}

// Sent returns a copy of every envelope sent so far.
func (f *Fake) Sent() []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signaling.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentOf returns the sent envelopes of the given type.
func (f *Fake) SentOf(typ signaling.MessageType) []signaling.Envelope {
	var out []signaling.Envelope
	for _, e := range f.Sent() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// WaitSent blocks until an envelope of typ is sent, skipping others.
func (f *Fake) WaitSent(t testing.TB, typ signaling.MessageType) signaling.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-f.sentCh:
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s sent; sent so far: %v", typ, types(f.Sent()))
			return signaling.Envelope{}
		}
	}
}

func types(envs []signaling.Envelope) []signaling.MessageType {
	out := make([]signaling.MessageType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}
