package app

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/guestcall/internal/signaling"
)

const redialDelay = 3 * time.Second

// redial reconnects ch a fixed delay after every drop seen on events, and
// whenever kick fires, until ctx ends or the channel is closed.
func redial(ctx context.Context, ch signaling.Channel, events <-chan signaling.Event, delay time.Duration, kick <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != signaling.Disconnected {
				continue
			}
		}

		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			err := ch.Connect(ctx)
			if err == nil {
				break
			}
			if errors.Is(err, signaling.ErrClosed) {
				return
			}
			log.Warnf("APP: redial attempt %d: %v", attempt, err)
		}
	}
}
