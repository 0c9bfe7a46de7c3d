package player_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/call/calltest"
	"github.com/petervdpas/guestcall/internal/player"
	"github.com/petervdpas/guestcall/internal/signaling"
	"github.com/petervdpas/guestcall/internal/signaling/sigtest"
	"github.com/petervdpas/guestcall/internal/storage"
)

var agentCall = signaling.CallSessionData{
	CallID:               "call-1",
	AgentID:              "agent-7",
	AgentSocketID:        "agent-sock",
	VideoActiveByDefault: true,
}

type harness struct {
	t       *testing.T
	ch      *sigtest.Fake
	store   *storage.SessionStore
	factory *calltest.Factory
	p       *player.Player

	mu      sync.Mutex
	devices *calltest.Devices
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"guest-1"}
	}
	h := &harness{
		t:       t,
		ch:      sigtest.New(ids...),
		store:   storage.NewSessionStore(storage.NewMemory()),
		factory: &calltest.Factory{},
		devices: calltest.NewDevices(call.AudioInput, call.VideoInput),
	}
	p, err := player.New(player.Options{
		Channel:    h.ch,
		Store:      h.store,
		CallID:     "call-1",
		NewManager: h.newManager,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.p = p
	t.Cleanup(p.Unmount)
	return h
}

func (h *harness) newManager(cs storage.CallSession, gen uint64) (*call.Manager, error) {
	h.mu.Lock()
	devs := h.devices
	h.mu.Unlock()
	return call.New(call.Options{
		ID:                   cs.CallID,
		Generation:           gen,
		VideoActiveByDefault: cs.VideoActiveByDefault,
		Video:                call.VideoConstraints{MinHeight: 360, IdealHeight: 720, MaxHeight: 1080},
		Devices:              devs,
		Factory:              h.factory,
	})
}

func (h *harness) setDevices(d *calltest.Devices) {
	h.mu.Lock()
	h.devices = d
	h.mu.Unlock()
}

func (h *harness) mount() {
	h.t.Helper()
	if err := h.p.Mount(context.Background()); err != nil {
		h.t.Fatal(err)
	}
	waitState(h.t, h.p, player.StateAwaitingMatch)
}

// requestCall delivers a requestCall and waits for the guest's first offer.
func (h *harness) requestCall(cs signaling.CallSessionData) *calltest.PeerConnection {
	h.t.Helper()
	h.ch.Deliver(h.t, signaling.RequestCall, cs)
	h.ch.WaitSent(h.t, signaling.Offer)
	return h.factory.Last()
}

func waitFor(t *testing.T, p *player.Player, what string, cond func(player.Status) bool) player.Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := p.Snapshot()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; status %+v", what, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, p *player.Player, want player.State) player.Status {
	t.Helper()
	return waitFor(t, p, string(want), func(st player.Status) bool { return st.State == want })
}

func decode[T any](t *testing.T, env signaling.Envelope) T {
	t.Helper()
	var v T
	if err := env.Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNewValidates(t *testing.T) {
	if _, err := player.New(player.Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
	_, err := player.New(player.Options{
		Channel:    sigtest.New(),
		Store:      storage.NewSessionStore(storage.NewMemory()),
		NewManager: func(storage.CallSession, uint64) (*call.Manager, error) { return nil, nil },
	})
	if err == nil {
		t.Fatal("expected error without call id")
	}
}

func TestFreshGuestRequestsAgent(t *testing.T) {
	h := newHarness(t)
	if st := h.p.Snapshot(); st.State != player.StateDisconnected {
		t.Fatalf("initial state %s", st.State)
	}
	h.mount()

	d := decode[signaling.RequestAgentData](t, h.ch.WaitSent(t, signaling.RequestAgent))
	if d.CallID != "call-1" {
		t.Fatalf("requestAgent callId = %q", d.CallID)
	}
	tok, ok, _ := h.store.GetGuestToken()
	if !ok || tok.GuestSocketID != "guest-1" {
		t.Fatalf("guest token = %+v ok=%v", tok, ok)
	}
	if st := h.p.Snapshot(); st.SocketID != "guest-1" {
		t.Fatalf("socket id = %q", st.SocketID)
	}
}

func TestStoredCallIsRestored(t *testing.T) {
	h := newHarness(t)
	h.store.SetCall(storage.CallSession{CallID: "call-9", AgentID: "agent-1"})
	h.store.SetGuestToken(storage.GuestToken{GuestSocketID: "old"})
	h.mount()

	d := decode[signaling.RestoreCallData](t, h.ch.WaitSent(t, signaling.RestoreCall))
	if d.CallID != "call-9" || d.GuestSocketID != "guest-1" {
		t.Fatalf("restoreCall = %+v", d)
	}
	if n := len(h.ch.SentOf(signaling.RequestAgent)); n != 0 {
		t.Fatalf("requestAgent sent %d times during restore", n)
	}
	if n := len(h.ch.SentOf(signaling.UpdateGuestSocket)); n != 0 {
		t.Fatalf("updateGuestSocket sent %d times during restore", n)
	}
}

func TestStoredTokenUpdatesSocket(t *testing.T) {
	h := newHarness(t)
	h.store.SetGuestToken(storage.GuestToken{GuestSocketID: "old-sock"})
	h.mount()

	d := decode[signaling.UpdateGuestSocketData](t, h.ch.WaitSent(t, signaling.UpdateGuestSocket))
	want := signaling.UpdateGuestSocketData{OldSocketID: "old-sock", NewSocketID: "guest-1", CallID: "call-1"}
	if d != want {
		t.Fatalf("updateGuestSocket = %+v, want %+v", d, want)
	}
	if n := len(h.ch.SentOf(signaling.RequestAgent)); n != 0 {
		t.Fatal("requestAgent sent with a stored token")
	}
	if tok, _, _ := h.store.GetGuestToken(); tok.GuestSocketID != "guest-1" {
		t.Fatalf("token not moved to new socket: %+v", tok)
	}
}

func TestStoredTokenWithSameIDStillUpdates(t *testing.T) {
	h := newHarness(t, "guest-1")
	h.store.SetGuestToken(storage.GuestToken{GuestSocketID: "guest-1"})
	h.mount()

	d := decode[signaling.UpdateGuestSocketData](t, h.ch.WaitSent(t, signaling.UpdateGuestSocket))
	if d.OldSocketID != "guest-1" || d.NewSocketID != "guest-1" {
		t.Fatalf("updateGuestSocket = %+v", d)
	}
	if n := len(h.ch.SentOf(signaling.RequestAgent)); n != 0 {
		t.Fatalf("requestAgent sent %d times with a stored token", n)
	}
}

func TestRequestCallStartsNegotiation(t *testing.T) {
	h := newHarness(t)
	h.mount()

	h.ch.Deliver(t, signaling.RequestCall, agentCall)
	d := decode[signaling.OfferData](t, h.ch.WaitSent(t, signaling.Offer))
	if d.AgentID != "agent-7" || d.CallID != "call-1" || !d.IsGuest {
		t.Fatalf("offer envelope = %+v", d)
	}
	if d.Offer == nil || d.Offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("offer body = %+v", d.Offer)
	}

	st := waitFor(t, h.p, "local stream", func(st player.Status) bool { return st.HasLocalStream })
	if st.State != player.StateNegotiating {
		t.Fatalf("state %s, want negotiating", st.State)
	}
	if st.AgentID != "agent-7" || !st.Tracks.VideoActive || !st.Tracks.AudioActive {
		t.Fatalf("status = %+v", st)
	}
	cs, ok, _ := h.store.GetCall()
	if !ok || cs != storage.CallSession(agentCall) {
		t.Fatalf("stored call = %+v ok=%v", cs, ok)
	}
}

func TestSignalingForwardedToManager(t *testing.T) {
	h := newHarness(t)
	h.mount()
	pc := h.requestCall(agentCall)

	// A candidate ahead of the agent's offer is held and replayed.
	early := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
	h.ch.Deliver(t, signaling.Candidate, signaling.CandidateData{AgentID: "agent-7", CallID: "call-1", Candidate: early})
	h.ch.Deliver(t, signaling.Offer, signaling.OfferData{
		AgentID: "agent-7",
		CallID:  "call-1",
		Offer:   &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "agent-offer"},
	})

	a := decode[signaling.AnswerData](t, h.ch.WaitSent(t, signaling.Answer))
	if a.Answer == nil || a.Answer.Type != webrtc.SDPTypeAnswer || !a.IsGuest || a.AgentID != "agent-7" {
		t.Fatalf("answer = %+v", a)
	}
	got := pc.Candidates()
	if len(got) != 1 || got[0].Candidate != early.Candidate {
		t.Fatalf("applied candidates = %+v", got)
	}

	pc.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 6000 typ host"})
	c := decode[signaling.CandidateData](t, h.ch.WaitSent(t, signaling.Candidate))
	if c.Candidate == nil || c.CallID != "call-1" || c.AgentID != "agent-7" || !c.IsGuest {
		t.Fatalf("outbound candidate = %+v", c)
	}

	pc.EmitTrack(call.RemoteTrack{ID: "agent-audio", StreamID: "agent-stream", Kind: webrtc.RTPCodecTypeAudio})
	st := waitState(t, h.p, player.StateInCall)
	if st.PeerStream == nil || st.PeerStream.ID != "agent-stream" {
		t.Fatalf("peer stream = %+v", st.PeerStream)
	}
}

func TestSignalingWithoutCallIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.mount()
	h.ch.Deliver(t, signaling.Offer, signaling.OfferData{Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}})
	h.ch.Deliver(t, signaling.Ping, nil)
	if _, err := h.p.Toggle(context.Background(), webrtc.RTPCodecTypeAudio); !errors.Is(err, player.ErrNoCall) {
		t.Fatalf("toggle without call: %v", err)
	}
	if h.factory.Count() != 0 {
		t.Fatal("manager created without requestCall")
	}
	if st := h.p.Snapshot(); st.State != player.StateAwaitingMatch {
		t.Fatalf("state %s", st.State)
	}
}

func TestSecondRequestCallReplacesManager(t *testing.T) {
	h := newHarness(t)
	h.mount()
	first := h.requestCall(agentCall)
	gen1 := h.p.Snapshot().Generation

	next := agentCall
	next.AgentID = "agent-8"
	second := h.requestCall(next)

	if first == second || h.factory.Count() != 2 {
		t.Fatalf("expected a new peer connection, have %d", h.factory.Count())
	}
	if !first.Closed() {
		t.Fatal("previous peer connection not closed")
	}
	if n := len(h.ch.SentOf(signaling.Stop)); n != 0 {
		t.Fatalf("replacing a call as receiver sent %d stop messages", n)
	}
	st := waitFor(t, h.p, "new agent", func(st player.Status) bool { return st.AgentID == "agent-8" })
	if st.Generation <= gen1 {
		t.Fatalf("generation did not advance: %d -> %d", gen1, st.Generation)
	}

	// The stopped connection can no longer move the call forward.
	first.EmitTrack(call.RemoteTrack{ID: "late", StreamID: "late", Kind: webrtc.RTPCodecTypeVideo})
	first.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:9 1 udp 1 10.0.0.9 9 typ host"})
	if st := h.p.Snapshot(); st.State == player.StateInCall || st.PeerStream != nil {
		t.Fatalf("late track from old manager reached status: %+v", st)
	}
	for _, env := range h.ch.SentOf(signaling.Candidate) {
		if d := decode[signaling.CandidateData](t, env); d.Candidate != nil && d.Candidate.Candidate == "candidate:9 1 udp 1 10.0.0.9 9 typ host" {
			t.Fatal("candidate from old manager was sent")
		}
	}
}

func TestAgentUnavailable(t *testing.T) {
	h := newHarness(t)
	h.mount()
	pc := h.requestCall(agentCall)

	h.ch.DeliverEnvelope(signaling.Envelope{Type: signaling.AgentUnavailable, Error: "all agents busy"})
	st := waitState(t, h.p, player.StateError)
	if st.Error != "all agents busy" {
		t.Fatalf("error text %q", st.Error)
	}
	if !pc.Closed() {
		t.Fatal("peer connection left open")
	}
	if _, ok, _ := h.store.GetCall(); ok {
		t.Fatal("call still stored")
	}
	if _, ok, _ := h.store.GetGuestToken(); !ok {
		t.Fatal("guest token should survive a session error")
	}
}

func TestStopMessageClosesCall(t *testing.T) {
	h := newHarness(t)
	h.mount()
	pc := h.requestCall(agentCall)

	h.ch.Deliver(t, signaling.Stop, signaling.StopData{AgentID: "agent-7", CallID: "call-1"})
	waitState(t, h.p, player.StateClosed)
	if !pc.Closed() {
		t.Fatal("peer connection left open")
	}
	if n := len(h.ch.SentOf(signaling.Stop)); n != 0 {
		t.Fatal("stop echoed back to the counterpart")
	}
	if _, ok, _ := h.store.GetCall(); ok {
		t.Fatal("call still stored")
	}
	if _, ok, _ := h.store.GetGuestToken(); ok {
		t.Fatal("guest token still stored")
	}
}

func TestHangUpNotifiesCounterpart(t *testing.T) {
	h := newHarness(t)
	h.mount()
	pc := h.requestCall(agentCall)

	if err := h.p.HangUp(); err != nil {
		t.Fatal(err)
	}
	stops := h.ch.SentOf(signaling.Stop)
	if len(stops) != 1 {
		t.Fatalf("stop sent %d times", len(stops))
	}
	want := signaling.StopData{AgentID: "agent-7", CallID: "call-1", IsGuest: true}
	if d := decode[signaling.StopData](t, stops[0]); d != want {
		t.Fatalf("stop = %+v, want %+v", d, want)
	}
	if !pc.Closed() {
		t.Fatal("peer connection left open")
	}
	if st := h.p.Snapshot(); st.State != player.StateClosed {
		t.Fatalf("state %s", st.State)
	}
	if _, ok, _ := h.store.GetGuestToken(); ok {
		t.Fatal("guest token still stored")
	}
}

func TestUnmountOnce(t *testing.T) {
	h := newHarness(t)
	h.mount()
	pc := h.requestCall(agentCall)

	h.p.Unmount()
	h.p.Unmount()

	stops := h.ch.SentOf(signaling.Stop)
	if len(stops) != 1 {
		t.Fatalf("stop sent %d times", len(stops))
	}
	want := signaling.StopData{AgentID: "agent-7", CallID: "call-1", IsGuest: true}
	if d := decode[signaling.StopData](t, stops[0]); d != want {
		t.Fatalf("stop = %+v, want %+v", d, want)
	}
	if !pc.Closed() {
		t.Fatal("peer connection left open")
	}
	if st := h.p.Snapshot(); st.State != player.StateDisconnected {
		t.Fatalf("state %s", st.State)
	}
	if _, ok, _ := h.store.GetCall(); ok {
		t.Fatal("call still stored")
	}
	if _, ok, _ := h.store.GetGuestToken(); ok {
		t.Fatal("guest token still stored")
	}
	if n := h.ch.Cancels(); n != 1 {
		t.Fatalf("subscription cancelled %d times", n)
	}
	if err := h.p.HangUp(); !errors.Is(err, player.ErrUnmounted) {
		t.Fatalf("HangUp after Unmount: %v", err)
	}
}

func TestReconnectRestoresCall(t *testing.T) {
	h := newHarness(t, "guest-1", "guest-2")
	h.mount()
	h.requestCall(agentCall)

	h.ch.Drop()
	waitState(t, h.p, player.StateChannelConnecting)
	if err := h.ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := decode[signaling.RestoreCallData](t, h.ch.WaitSent(t, signaling.RestoreCall))
	if d.CallID != "call-1" || d.GuestSocketID != "guest-2" {
		t.Fatalf("restoreCall = %+v", d)
	}
	st := waitState(t, h.p, player.StateNegotiating)
	if st.SocketID != "guest-2" {
		t.Fatalf("socket id %q", st.SocketID)
	}
	if h.factory.Count() != 1 || h.factory.Last().Closed() {
		t.Fatal("manager should survive a channel drop")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t)
	if _, err := h.p.Toggle(context.Background(), webrtc.RTPCodecTypeAudio); !errors.Is(err, player.ErrNotMounted) {
		t.Fatalf("toggle before mount: %v", err)
	}
	h.mount()
	h.requestCall(agentCall)
	waitFor(t, h.p, "local stream", func(st player.Status) bool { return st.HasLocalStream })

	ts, err := h.p.Toggle(context.Background(), webrtc.RTPCodecTypeAudio)
	if err != nil {
		t.Fatal(err)
	}
	if ts.AudioActive {
		t.Fatal("audio still active after toggle")
	}
	waitFor(t, h.p, "audio off", func(st player.Status) bool { return !st.Tracks.AudioActive })

	ts, err = h.p.Toggle(context.Background(), webrtc.RTPCodecTypeVideo)
	if err != nil {
		t.Fatal(err)
	}
	if ts.VideoActive {
		t.Fatal("video still active after toggle")
	}
	waitFor(t, h.p, "video off", func(st player.Status) bool { return !st.Tracks.VideoActive })
}

func TestStartFailureKeepsCall(t *testing.T) {
	h := newHarness(t)
	h.setDevices(calltest.NewDevices())
	h.mount()

	h.ch.Deliver(t, signaling.RequestCall, agentCall)
	st := waitFor(t, h.p, "start error", func(st player.Status) bool { return st.Error != "" })
	if st.State != player.StateNegotiating {
		t.Fatalf("state %s, want negotiating", st.State)
	}
	if _, ok, _ := h.store.GetCall(); !ok {
		t.Fatal("call should stay stored after a capture failure")
	}
	if n := len(h.ch.SentOf(signaling.Offer)); n != 0 {
		t.Fatalf("offer sent without local media: %d", n)
	}
}

func TestManagerConstructionFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.Err = errors.New("no ice agent")
	h.mount()

	h.ch.Deliver(t, signaling.RequestCall, agentCall)
	st := waitState(t, h.p, player.StateError)
	if st.Error == "" {
		t.Fatal("missing error text")
	}
}

func TestDetachKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.mount()
	pc := h.requestCall(agentCall)

	if err := h.p.Detach(); err != nil {
		t.Fatal(err)
	}
	if !pc.Closed() {
		t.Fatal("peer connection left open")
	}
	if n := len(h.ch.SentOf(signaling.Stop)); n != 0 {
		t.Fatal("detach notified the counterpart")
	}
	if _, ok, _ := h.store.GetCall(); !ok {
		t.Fatal("detach cleared the stored call")
	}
	if _, ok, _ := h.store.GetGuestToken(); !ok {
		t.Fatal("detach cleared the guest token")
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.p.Subscribe()
	defer cancel()

	first := <-updates
	if first.State != player.StateDisconnected {
		t.Fatalf("first update %s", first.State)
	}
	h.mount()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-updates:
			if st.State == player.StateAwaitingMatch {
				return
			}
		case <-timeout:
			t.Fatal("no awaiting-match update")
		}
	}
}
