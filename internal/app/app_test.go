package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/call/calltest"
	"github.com/petervdpas/guestcall/internal/config"
	"github.com/petervdpas/guestcall/internal/signaling"
	"github.com/petervdpas/guestcall/internal/signaling/sigtest"
	"github.com/petervdpas/guestcall/internal/storage"
)

func TestVideoConstraintsFromConfig(t *testing.T) {
	m := config.Default().Media
	m.MinHeight, m.IdealHeight, m.MaxHeight = 240, 480, 720

	want := call.VideoConstraints{MinHeight: 240, IdealHeight: 480, MaxHeight: 720}
	if got := videoConstraints(m); got != want {
		t.Fatalf("videoConstraints = %+v, want %+v", got, want)
	}
}

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":8080":         "127.0.0.1:8080",
		"0.0.0.0:9000":  "127.0.0.1:9000",
		"127.0.0.1:700": "127.0.0.1:700",
		" localhost:1 ": "localhost:1",
	}
	for in, want := range cases {
		got, url := NormalizeLocalViewer(in)
		if got != want || url != "http://"+want {
			t.Errorf("%q -> %q %q, want %q", in, got, url, want)
		}
	}
}

func TestPromptInteractive(t *testing.T) {
	answers := strings.Join([]string{
		"wss://calls.example.org/ws",
		"call-42",
		"guest",
		"secret",
		"n",
		"abc", // not a number, asked again
		"480",
		":7777",
	}, "\n") + "\n"

	var out strings.Builder
	cfg := PromptInteractive(strings.NewReader(answers), &out, "/p", "/p/guestcall.json", config.Default())

	if cfg.Signaling.URL != "wss://calls.example.org/ws" || cfg.Call.CallID != "call-42" {
		t.Fatalf("signaling/call = %+v %+v", cfg.Signaling, cfg.Call)
	}
	if cfg.ICE.Username != "guest" || cfg.ICE.Credential != "secret" {
		t.Fatalf("ice = %+v", cfg.ICE)
	}
	if cfg.Call.CandidatePolicy != config.CandidatesApply {
		t.Fatalf("policy = %q", cfg.Call.CandidatePolicy)
	}
	if cfg.Media.IdealHeight != 480 || cfg.Viewer.HTTPAddr != ":7777" {
		t.Fatalf("media/viewer = %d %q", cfg.Media.IdealHeight, cfg.Viewer.HTTPAddr)
	}
	if !strings.Contains(out.String(), "Please enter a number.") {
		t.Fatal("bad number not re-asked")
	}
}

func TestPromptInteractiveKeepsValidConfig(t *testing.T) {
	def := config.Default()
	cfg := PromptInteractive(strings.NewReader("http://not-a-websocket\n\n\n\n\n\n"), &strings.Builder{}, "/p", "/p/c.json", def)
	if cfg.Signaling.URL != def.Signaling.URL {
		t.Fatalf("invalid answer applied: %q", cfg.Signaling.URL)
	}
}

func TestRedialAfterDrop(t *testing.T) {
	ch := sigtest.New("guest-1", "guest-2")
	events, cancel := ch.Subscribe()
	defer cancel()

	own, unsub := ch.Subscribe()
	defer unsub()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go redial(ctx, ch, own, 10*time.Millisecond, nil)

	if err := ch.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	ch.Drop()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == signaling.Connected && ev.ID == "guest-2" {
				return
			}
		case <-timeout:
			t.Fatal("channel was not redialed")
		}
	}
}

func TestRedialStopsOnClose(t *testing.T) {
	ch := sigtest.New()
	events, unsub := ch.Subscribe()
	defer unsub()
	done := make(chan struct{})
	kick := make(chan struct{}, 1)
	go func() {
		redial(context.Background(), ch, events, time.Millisecond, kick)
		close(done)
	}()
	ch.Close()
	kick <- struct{}{}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("redial kept running on a closed channel")
	}
}

func TestManagerFuncReadsCurrentConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ICE.TURNURLs = nil
	cfg.ICE.STUNURLs = []string{"stun:one.example.org:3478"}
	current := func() config.Config { return cfg }

	factory := &calltest.Factory{}
	platform := &call.Platform{Devices: calltest.NewDevices(call.AudioInput), Factory: factory}
	newManager := managerFunc(current, platform)

	m, err := newManager(storage.CallSession{CallID: "c1"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(false)
	if m.Generation() != 3 || m.ID() != "c1" {
		t.Fatalf("manager id=%q gen=%d", m.ID(), m.Generation())
	}

	cfg.ICE.STUNURLs = []string{"stun:two.example.org:3478"}
	m2, err := newManager(storage.CallSession{CallID: "c1"}, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Stop(false)
	urls := factory.Last().Config().ICEServers[0].URLs
	if len(urls) != 1 || urls[0] != "stun:two.example.org:3478" {
		t.Fatalf("second manager ice = %v", urls)
	}
}

func TestWSOptionsToken(t *testing.T) {
	if n := len(wsOptions(config.Signaling{})); n != 1 {
		t.Fatalf("options without token = %d", n)
	}
	if n := len(wsOptions(config.Signaling{Token: "t"})); n != 2 {
		t.Fatalf("options with token = %d", n)
	}
}
