// Package emitter is a small synchronous publish/subscribe registry. Each
// owner holds its own Emitter; there is no global bus.
package emitter

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("emitter")

// Event names a channel of notifications.
type Event string

// Listener receives the payload passed to Emit. The payload type is fixed per
// event by the owner.
type Listener func(payload any)

type Emitter struct {
	mu        sync.RWMutex
	listeners map[Event][]Listener
}

func New() *Emitter {
	return &Emitter{listeners: make(map[Event][]Listener)}
}

// On appends fn to the listeners of ev.
func (e *Emitter) On(ev Event, fn Listener) *Emitter {
	if fn == nil {
		return e
	}
	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[Event][]Listener)
	}
	e.listeners[ev] = append(e.listeners[ev], fn)
	e.mu.Unlock()
	return e
}

// Off removes every listener of the named events, or of all events when
// called without names.
func (e *Emitter) Off(evs ...Event) {
	e.mu.Lock()
	if len(evs) == 0 {
		e.listeners = make(map[Event][]Listener)
	} else {
		for _, ev := range evs {
			delete(e.listeners, ev)
		}
	}
	e.mu.Unlock()
}

// Emit calls the listeners of ev in registration order on the calling
// goroutine. A panicking listener is logged and skipped; the rest still run.
// Listeners registered during Emit are not called for this emission.
func (e *Emitter) Emit(ev Event, payload any) {
	e.mu.RLock()
	fns := make([]Listener, len(e.listeners[ev]))
	copy(fns, e.listeners[ev])
	e.mu.RUnlock()

	for i, fn := range fns {
		if err := call(fn, payload); err != nil {
			log.Errorf("EMIT [%s]: listener %d: %v", ev, i, err)
		}
	}
}

// ListenerCount reports how many listeners ev has.
func (e *Emitter) ListenerCount(ev Event) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[ev])
}

func call(fn Listener, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(payload)
	return nil
}
