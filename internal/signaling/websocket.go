package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guestcall/internal/util"
)

var log = logging.Logger("signaling")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1 << 20

	connectEvent = "connect"
)

// frame is one websocket text message. The service sends
// {"event":"connect","id":...} first to assign the connection identity.
type frame struct {
	Event   string    `json:"event"`
	ID      string    `json:"id,omitempty"`
	Payload *Envelope `json:"payload,omitempty"`
}

// WSChannel is a Channel over a gorilla websocket connection. Each Connect
// dials a new connection; a dropped connection is reported as Disconnected
// and is not redialed.
type WSChannel struct {
	url    string
	event  string
	header http.Header
	dialer *websocket.Dialer

	hub  *Hub
	send chan []byte

	mu       sync.RWMutex
	conn     *websocket.Conn
	connDone chan struct{}
	id       string

	closed    chan struct{}
	closeOnce sync.Once
}

type WSOption func(*WSChannel)

// WithHeader adds request headers to the websocket handshake.
func WithHeader(h http.Header) WSOption {
	return func(c *WSChannel) { c.header = h }
}

// WithHandshakeTimeout bounds the websocket upgrade.
func WithHandshakeTimeout(d time.Duration) WSOption {
	return func(c *WSChannel) {
		if d > 0 {
			c.dialer.HandshakeTimeout = d
		}
	}
}

func NewWSChannel(url, event string, opts ...WSOption) *WSChannel {
	if event == "" {
		event = DefaultEvent
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = util.DefaultConnectTimeout
	c := &WSChannel{
		url:    url,
		event:  event,
		dialer: &d,
		hub:    NewHub(),
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *WSChannel) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *WSChannel) Subscribe() (chan Event, func()) { return c.hub.Subscribe() }

// Connect dials the service. The Connected event follows once the service
// assigned an identity.
func (c *WSChannel) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return errors.New("signaling: already connected")
	}
	done := make(chan struct{})
	c.conn, c.connDone, c.id = conn, done, ""
	c.mu.Unlock()

	log.Debugf("SIG: dialed %s", c.url)
	go c.writePump(conn, done)
	go c.readPump(conn, done)
	return nil
}

func (c *WSChannel) Send(env Envelope) error {
	c.mu.RLock()
	connected := c.conn != nil
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	b, err := json.Marshal(frame{Event: c.event, Payload: &env})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-t.C:
		return fmt.Errorf("signaling: send %s: queue full", env.Type)
	}
}

// Close flushes queued messages, closes the connection and every
// subscription. Idempotent.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.RLock()
		done := c.connDone
		c.mu.RUnlock()
		if done != nil {
			select {
			case <-done:
			case <-time.After(writeWait):
			}
		}
		c.hub.Close()
	})
	return nil
}

func (c *WSChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *WSChannel) readPump(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn, c.id = nil, ""
		}
		c.mu.Unlock()
		conn.Close()
		close(done)
		if !c.isClosed() {
			log.Infof("SIG: disconnected: %v", readErr)
			c.hub.Publish(Event{Kind: Disconnected, Err: readErr})
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("SIG: bad frame: %v", err)
			continue
		}
		switch f.Event {
		case connectEvent:
			c.mu.Lock()
			c.id = f.ID
			c.mu.Unlock()
			log.Infof("SIG: connected as %s", f.ID)
			c.hub.Publish(Event{Kind: Connected, ID: f.ID})
		case c.event:
			if f.Payload == nil {
				continue
			}
			c.hub.Publish(Event{Kind: Message, ID: c.ID(), Envelope: *f.Payload})
		default:
			log.Debugf("SIG: ignoring event %q", f.Event)
		}
	}
}

func (c *WSChannel) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(kind int, b []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(kind, b)
	}

	for {
		select {
		case <-done:
			return
		case b := <-c.send:
			if err := write(websocket.TextMessage, b); err != nil {
				log.Warnf("SIG: write: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-c.closed:
		drain:
			for {
				select {
				case b := <-c.send:
					if err := write(websocket.TextMessage, b); err != nil {
						conn.Close()
						return
					}
				default:
					break drain
				}
			}
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		}
	}
}
