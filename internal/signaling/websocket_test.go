package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/guestcall/internal/util"
)

// serviceStub assigns an id, forwards every frame it reads to got, and pushes
// anything written to push.
func serviceStub(t *testing.T, id string) (url string, got chan frame, push chan frame, kick chan struct{}) {
	t.Helper()
	got = make(chan frame, 16)
	push = make(chan frame, 16)
	kick = make(chan struct{})
	up := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(frame{Event: connectEvent, ID: id}); err != nil {
			return
		}
		go func() {
			for {
				select {
				case f := <-push:
					if conn.WriteJSON(f) != nil {
						return
					}
				case <-kick:
					conn.Close()
					return
				}
			}
		}()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			got <- f
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), got, push, kick
}

func nextEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestWSChannelRoundTrip(t *testing.T) {
	url, got, push, kick := serviceStub(t, "guest-1")

	c := NewWSChannel(url, "")
	defer c.Close()
	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.Send(Envelope{Type: Ping}); err != ErrNotConnected {
		t.Fatalf("Send before Connect = %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, events)
	if ev.Kind != Connected || ev.ID != "guest-1" || c.ID() != "guest-1" {
		t.Fatalf("first event %+v, id %q", ev, c.ID())
	}

	if err := SendData(c, RequestAgent, RequestAgentData{CallID: "call-7"}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-got:
		if f.Event != DefaultEvent || f.Payload == nil || f.Payload.Type != RequestAgent {
			t.Fatalf("service got %+v", f)
		}
		var body RequestAgentData
		if err := f.Payload.Decode(&body); err != nil || body.CallID != "call-7" {
			t.Fatalf("body %+v err %v", body, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service received nothing")
	}

	data, _ := json.Marshal(CallSessionData{CallID: "call-7", AgentID: "a", AgentSocketID: "as"})
	push <- frame{Event: "unrelated"}
	push <- frame{Event: DefaultEvent, Payload: &Envelope{Type: RequestCall, Data: data}}

	ev = nextEvent(t, events)
	if ev.Kind != Message || ev.Envelope.Type != RequestCall {
		t.Fatalf("got %+v", ev)
	}
	var cs CallSessionData
	if err := ev.Envelope.Decode(&cs); err != nil || cs.AgentSocketID != "as" {
		t.Fatalf("decoded %+v err %v", cs, err)
	}

	close(kick)
	ev = nextEvent(t, events)
	if ev.Kind != Disconnected {
		t.Fatalf("got %+v, want disconnected", ev)
	}
	if c.ID() != "" {
		t.Fatalf("id after drop = %q", c.ID())
	}
}

func TestWSChannelCloseIsIdempotent(t *testing.T) {
	url, _, _, _ := serviceStub(t, "g")
	c := NewWSChannel(url, DefaultEvent)
	events, _ := c.Subscribe()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, events)

	c.Close()
	c.Close()
	if _, ok := <-events; ok {
		t.Fatal("subscription open after Close")
	}
	if err := c.Connect(context.Background()); err != ErrClosed {
		t.Fatalf("Connect after Close = %v", err)
	}
}

func TestWSChannelHandshakeTimeout(t *testing.T) {
	if got := NewWSChannel("ws://x", "").dialer.HandshakeTimeout; got != util.DefaultConnectTimeout {
		t.Fatalf("default handshake timeout = %s", got)
	}
	if got := NewWSChannel("ws://x", "", WithHandshakeTimeout(0)).dialer.HandshakeTimeout; got != util.DefaultConnectTimeout {
		t.Fatalf("zero option replaced default: %s", got)
	}
	if got := NewWSChannel("ws://x", "", WithHandshakeTimeout(3*time.Second)).dialer.HandshakeTimeout; got != 3*time.Second {
		t.Fatalf("handshake timeout = %s", got)
	}
}
