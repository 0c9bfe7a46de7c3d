package signaling

import "sync"

// Hub fans channel events out to subscribers. Publish blocks until every
// live subscriber took the event; a subscriber that cancels, or a hub that
// closes, releases it.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[chan Event]chan struct{}),
		done: make(chan struct{}),
	}
}

func (h *Hub) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)
	quit := make(chan struct{})

	h.mu.Lock()
	if h.subs == nil {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = quit
	h.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			close(quit)
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, quit := range h.subs {
		select {
		case ch <- ev:
		case <-quit:
		case <-h.done:
			return
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.doneOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
	h.mu.Unlock()
}
