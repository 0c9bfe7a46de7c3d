// Package player is the guest's call orchestrator. It owns the signaling
// subscription and the Session Store, decides between requesting an agent
// and restoring a call, and drives one call.Manager at a time.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/emitter"
	"github.com/petervdpas/guestcall/internal/metrics"
	"github.com/petervdpas/guestcall/internal/signaling"
	"github.com/petervdpas/guestcall/internal/storage"
)

var log = logging.Logger("player")

var (
	ErrNoCall     = errors.New("player: no active call")
	ErrNotMounted = errors.New("player: not mounted")
	ErrUnmounted  = errors.New("player: unmounted")
)

// ManagerFunc builds the manager for a requested call. gen must be handed to
// the manager unchanged.
type ManagerFunc func(cs storage.CallSession, gen uint64) (*call.Manager, error)

// Options configures a Player. Every field is required.
type Options struct {
	// Channel is owned by the player once mounted; Unmount closes it.
	Channel signaling.Channel
	Store   *storage.SessionStore
	// CallID is the scheduled call the guest joins.
	CallID     string
	NewManager ManagerFunc
}

// Raised by the session worker, never by a manager.
const (
	startFailed   emitter.Event = "startFailed"
	tracksChanged emitter.Event = "tracksChanged"
)

type managerEvent struct {
	gen     uint64
	kind    emitter.Event
	payload any
	err     error
}

type session struct {
	gen uint64
	cs  storage.CallSession
	mgr *call.Manager
	ops *opQueue
}

// Player runs the guest side of one scheduled call. All call state is owned
// by a single loop goroutine; exported methods hand work to it.
type Player struct {
	ch         signaling.Channel
	store      *storage.SessionStore
	callID     string
	newManager ManagerFunc

	ctx    context.Context
	cancel context.CancelFunc

	// gen is bumped whenever a session starts or ends. Manager listeners
	// compare against it from pion goroutines.
	gen atomic.Uint64

	mounted     atomic.Bool
	unmountOnce sync.Once
	events      chan signaling.Event
	cancelSub   func()
	mgrEvents   chan managerEvent
	cmds        chan func()
	quit        chan struct{}
	done        chan struct{}

	// Owned by the loop goroutine.
	state    State
	socketID string
	sess     *session
	local    *call.LocalStream
	peer     *call.RemoteStream
	errText  string

	statusMu sync.RWMutex
	status   Status
	subs     map[string]chan Status
}

// New validates opts and returns an unmounted Player in StateDisconnected.
func New(opts Options) (*Player, error) {
	if opts.Channel == nil || opts.Store == nil || opts.NewManager == nil {
		return nil, errors.New("player: channel, store and manager constructor are required")
	}
	if opts.CallID == "" {
		return nil, errors.New("player: call id is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		ch:         opts.Channel,
		store:      opts.Store,
		callID:     opts.CallID,
		newManager: opts.NewManager,
		ctx:        ctx,
		cancel:     cancel,
		mgrEvents:  make(chan managerEvent, 32),
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateDisconnected,
		subs:       make(map[string]chan Status),
	}
	p.status = Status{State: StateDisconnected, CallID: opts.CallID, UpdatedAt: time.Now()}
	return p, nil
}

// Mount subscribes to the channel and dials it. The player handles
// Connected on its own goroutine; a dial error leaves it in
// ChannelConnecting and the caller decides whether to retry or Unmount.
func (p *Player) Mount(ctx context.Context) error {
	if !p.mounted.CompareAndSwap(false, true) {
		return errors.New("player: already mounted")
	}
	p.events, p.cancelSub = p.ch.Subscribe()
	p.setState(StateChannelConnecting)
	go p.loop()

	if err := p.ch.Connect(ctx); err != nil {
		log.Warnf("PLAYER [%s]: connect: %v", p.callID, err)
		return fmt.Errorf("connect signaling: %w", err)
	}
	return nil
}

// Unmount hangs up as initiator, clears the Session Store, unsubscribes and
// closes the channel. Only the first call has an effect.
func (p *Player) Unmount() {
	if !p.mounted.Load() {
		return
	}
	p.unmountOnce.Do(func() {
		p.exec(func() {
			p.endCall(true)
			p.setState(StateDisconnected)
		})
		close(p.quit)
		<-p.done
		p.cancelSub()
		if err := p.ch.Close(); err != nil {
			log.Debugf("PLAYER [%s]: close channel: %v", p.callID, err)
		}
		p.cancel()
		log.Infof("PLAYER [%s]: unmounted", p.callID)
	})
}

// Detach drops the current manager without telling the counterpart and
// leaves the Session Store alone, so the next start restores the call.
func (p *Player) Detach() error {
	return p.exec(func() {
		p.teardown(false)
		p.setState(StateDisconnected)
	})
}

// HangUp ends the call as initiator.
func (p *Player) HangUp() error {
	return p.exec(func() {
		p.endCall(true)
		p.setState(StateClosed)
	})
}

// Toggle flips the local audio or video input of the active call, waits for
// the manager and returns the resulting track state.
func (p *Player) Toggle(ctx context.Context, kind webrtc.RTPCodecType) (call.TrackState, error) {
	var s *session
	if err := p.exec(func() { s = p.sess }); err != nil {
		return call.TrackState{}, err
	}
	if s == nil {
		return call.TrackState{}, ErrNoCall
	}
	res := make(chan error, 1)
	if !s.ops.push(func() { res <- s.mgr.ToggleInputs(ctx, kind) }) {
		return call.TrackState{}, ErrNoCall
	}
	select {
	case err := <-res:
		p.post(managerEvent{gen: s.gen, kind: tracksChanged})
		return s.mgr.TrackState(), err
	case <-s.ops.done:
		return call.TrackState{}, ErrNoCall
	case <-ctx.Done():
		return call.TrackState{}, ctx.Err()
	}
}

// Snapshot returns the last published status. Safe from any goroutine.
func (p *Player) Snapshot() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// Subscribe returns a channel of status updates, starting with the current
// one. Slow subscribers miss intermediate updates.
func (p *Player) Subscribe() (<-chan Status, func()) {
	id := uuid.NewString()
	ch := make(chan Status, 16)

	p.statusMu.Lock()
	ch <- p.status
	p.subs[id] = ch
	p.statusMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.statusMu.Lock()
			delete(p.subs, id)
			p.statusMu.Unlock()
		})
	}
}

// ── loop ─────────────────────────────────────────────────────────────────────

func (p *Player) loop() {
	defer close(p.done)
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.events = nil
				continue
			}
			p.handleChannel(ev)
		case me := <-p.mgrEvents:
			p.handleManager(me)
		case fn := <-p.cmds:
			fn()
		case <-p.quit:
			return
		}
	}
}

// exec runs fn on the loop goroutine and waits for it.
func (p *Player) exec(fn func()) error {
	if !p.mounted.Load() {
		return ErrNotMounted
	}
	ran := make(chan struct{})
	select {
	case p.cmds <- func() { fn(); close(ran) }:
	case <-p.done:
		return ErrUnmounted
	}
	select {
	case <-ran:
		return nil
	case <-p.done:
		return ErrUnmounted
	}
}

func (p *Player) post(me managerEvent) {
	select {
	case p.mgrEvents <- me:
	case <-p.done:
	}
}

func (p *Player) handleChannel(ev signaling.Event) {
	if p.state == StateClosed || (p.state == StateDisconnected && ev.Kind != signaling.Connected) {
		log.Debugf("PLAYER [%s]: %s ignored in %s", p.callID, ev.Kind, p.state)
		return
	}
	switch ev.Kind {
	case signaling.Connected:
		p.onConnected(ev.ID)
	case signaling.Disconnected:
		metrics.SignalingConnected.Set(0)
		p.socketID = ""
		if ev.Err != nil {
			log.Warnf("PLAYER [%s]: signaling lost: %v", p.callID, ev.Err)
		} else {
			log.Infof("PLAYER [%s]: signaling lost", p.callID)
		}
		p.setState(StateChannelConnecting)
	case signaling.Message:
		p.handleMessage(ev.Envelope)
	}
}

func (p *Player) onConnected(id string) {
	metrics.SignalingConnected.Set(1)
	metrics.SignalingReconnectsTotal.Inc()
	p.socketID = id
	log.Infof("PLAYER [%s]: signaling connected as %s", p.callID, id)

	stored, hasCall, err := p.store.GetCall()
	if err != nil {
		log.Warnf("PLAYER [%s]: read stored call: %v", p.callID, err)
	}
	switch {
	case hasCall:
		p.send(signaling.RestoreCall, signaling.RestoreCallData{CallID: stored.CallID, GuestSocketID: id})
	default:
		tok, hasTok, err := p.store.GetGuestToken()
		if err != nil {
			log.Warnf("PLAYER [%s]: read guest token: %v", p.callID, err)
		}
		if hasTok {
			p.send(signaling.UpdateGuestSocket, signaling.UpdateGuestSocketData{
				OldSocketID: tok.GuestSocketID,
				NewSocketID: id,
				CallID:      p.callID,
			})
		} else {
			p.send(signaling.RequestAgent, signaling.RequestAgentData{CallID: p.callID})
		}
		if err := p.store.SetGuestToken(storage.GuestToken{GuestSocketID: id}); err != nil {
			log.Warnf("PLAYER [%s]: save guest token: %v", p.callID, err)
		}
	}

	switch {
	case p.sess == nil:
		p.setState(StateAwaitingMatch)
	case p.peer != nil:
		p.setState(StateInCall)
	default:
		p.setState(StateNegotiating)
	}
}

func (p *Player) handleMessage(env signaling.Envelope) {
	metrics.MessagesReceivedTotal.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case signaling.RequestCall:
		var d signaling.CallSessionData
		if err := env.Decode(&d); err != nil {
			log.Warnf("PLAYER [%s]: %v", p.callID, err)
			return
		}
		cs := storage.CallSession(d)
		log.Infof("PLAYER [%s]: call requested by agent %s", cs.CallID, cs.AgentID)
		p.teardown(false)
		if err := p.store.RemoveCall(); err != nil {
			log.Warnf("PLAYER [%s]: clear stored call: %v", cs.CallID, err)
		}
		if err := p.store.SetCall(cs); err != nil {
			log.Warnf("PLAYER [%s]: save call: %v", cs.CallID, err)
		}
		p.errText = ""
		p.startSession(cs)

	case signaling.Offer:
		var d signaling.OfferData
		if err := env.Decode(&d); err != nil || d.Offer == nil {
			log.Warnf("PLAYER [%s]: bad offer: %v", p.callID, err)
			return
		}
		p.enqueue("offer", func(m *call.Manager) error { return m.HandleOffer(*d.Offer) })

	case signaling.Answer:
		var d signaling.AnswerData
		if err := env.Decode(&d); err != nil || d.Answer == nil {
			log.Warnf("PLAYER [%s]: bad answer: %v", p.callID, err)
			return
		}
		p.enqueue("answer", func(m *call.Manager) error { return m.HandleAnswer(*d.Answer) })

	case signaling.Candidate:
		var d signaling.CandidateData
		if err := env.Decode(&d); err != nil {
			log.Warnf("PLAYER [%s]: bad candidate: %v", p.callID, err)
			return
		}
		p.enqueue("candidate", func(m *call.Manager) error { return m.AddICECandidate(d.Candidate) })

	case signaling.AgentUnavailable, signaling.Error:
		p.teardown(false)
		if err := p.store.RemoveCall(); err != nil {
			log.Warnf("PLAYER [%s]: clear stored call: %v", p.callID, err)
		}
		p.errText = env.ErrorText()
		log.Warnf("PLAYER [%s]: %s: %s", p.callID, env.Type, p.errText)
		p.setState(StateError)

	case signaling.Stop:
		log.Infof("PLAYER [%s]: counterpart ended the call", p.callID)
		p.endCall(false)
		p.setState(StateClosed)

	case signaling.Check, signaling.Ping, signaling.Credentials,
		signaling.RequestAgent, signaling.RestoreCall, signaling.UpdateGuestSocket:
		log.Debugf("PLAYER [%s]: %s ignored", p.callID, env.Type)

	default:
		log.Debugf("PLAYER [%s]: unknown message %q", p.callID, env.Type)
	}
}

func (p *Player) handleManager(me managerEvent) {
	if p.sess == nil || me.gen != p.sess.gen {
		metrics.StaleEventsDroppedTotal.Inc()
		log.Debugf("PLAYER [%s]: stale %s from gen %d dropped", p.callID, me.kind, me.gen)
		return
	}
	switch me.kind {
	case call.EventLocalStream:
		p.local, _ = me.payload.(*call.LocalStream)
		p.publish()
	case call.EventPeerStream:
		p.peer, _ = me.payload.(*call.RemoteStream)
		p.setState(StateInCall)
		p.publish()
	case call.EventPeerDisconnected:
		log.Infof("PLAYER [%s]: peer connection disconnected", p.sess.cs.CallID)
		p.publish()
	case startFailed:
		p.errText = me.err.Error()
		p.publish()
	case tracksChanged:
		p.publish()
	}
}

// ── sessions ─────────────────────────────────────────────────────────────────

func (p *Player) startSession(cs storage.CallSession) {
	gen := p.gen.Add(1)
	mgr, err := p.newManager(cs, gen)
	if err != nil {
		log.Errorf("PLAYER [%s]: create manager: %v", cs.CallID, err)
		p.errText = err.Error()
		p.setState(StateError)
		return
	}
	s := &session{gen: gen, cs: cs, mgr: mgr, ops: newOpQueue()}
	p.wire(s)
	p.sess = s
	p.local, p.peer = nil, nil

	s.ops.push(func() {
		err := mgr.Start(p.ctx, false)
		if err != nil && !errors.Is(err, call.ErrStopped) {
			log.Warnf("PLAYER [%s]: start: %v", cs.CallID, err)
			p.post(managerEvent{gen: gen, kind: startFailed, err: err})
		}
	})
	if p.state == StateNegotiating {
		p.publish()
		return
	}
	p.setState(StateNegotiating)
}

// wire connects manager events. Outbound signaling is sent straight from the
// emitting goroutine; everything that touches player state goes through the
// loop.
func (p *Player) wire(s *session) {
	live := func() bool {
		if p.gen.Load() == s.gen {
			return true
		}
		metrics.StaleEventsDroppedTotal.Inc()
		return false
	}
	toLoop := func(ev emitter.Event) emitter.Listener {
		return func(v any) { p.post(managerEvent{gen: s.gen, kind: ev, payload: v}) }
	}
	cs := s.cs

	s.mgr.
		On(call.EventLocalStream, toLoop(call.EventLocalStream)).
		On(call.EventPeerStream, toLoop(call.EventPeerStream)).
		On(call.EventPeerDisconnected, toLoop(call.EventPeerDisconnected)).
		On(call.EventICECandidate, func(v any) {
			if !live() {
				return
			}
			c, _ := v.(*webrtc.ICECandidateInit)
			p.send(signaling.Candidate, signaling.CandidateData{
				AgentID: cs.AgentID, CallID: cs.CallID, Candidate: c, IsGuest: true,
			})
		}).
		On(call.EventOfferCreated, func(v any) {
			d, ok := v.(webrtc.SessionDescription)
			if !ok || !live() {
				return
			}
			p.send(signaling.Offer, signaling.OfferData{
				AgentID: cs.AgentID, CallID: cs.CallID, Offer: &d, IsGuest: true,
			})
		}).
		On(call.EventAnswerCreated, func(v any) {
			d, ok := v.(webrtc.SessionDescription)
			if !ok || !live() {
				return
			}
			p.send(signaling.Answer, signaling.AnswerData{
				AgentID: cs.AgentID, CallID: cs.CallID, Answer: &d, IsGuest: true,
			})
		}).
		On(call.EventStartCall, func(any) {
			if !live() {
				return
			}
			p.send(signaling.RequestCall, signaling.RequestCallData{
				AgentSocketID: p.ch.ID(), CallID: cs.CallID,
			})
		}).
		On(call.EventStopCall, func(any) {
			// Raised during teardown, after the generation moved on.
			stored, ok, err := p.store.GetCall()
			if err != nil || !ok {
				return
			}
			p.send(signaling.Stop, signaling.StopData{
				AgentID: stored.AgentID, CallID: stored.CallID, IsGuest: true,
			})
		})
}

// enqueue runs fn against the active manager on its session worker.
func (p *Player) enqueue(what string, fn func(*call.Manager) error) {
	s := p.sess
	if s == nil {
		log.Debugf("PLAYER [%s]: %s without an active call, dropped", p.callID, what)
		return
	}
	s.ops.push(func() {
		if err := fn(s.mgr); err != nil && !errors.Is(err, call.ErrStopped) {
			log.Warnf("PLAYER [%s]: %s: %v", s.cs.CallID, what, err)
		}
	})
}

// teardown stops the active manager. In-flight work on the old session is
// not cancelled; the manager discards it.
func (p *Player) teardown(initiating bool) {
	s := p.sess
	if s == nil {
		return
	}
	p.sess = nil
	p.gen.Add(1)
	s.ops.close()
	s.mgr.Stop(initiating)
	p.local, p.peer = nil, nil
	log.Debugf("PLAYER [%s]: session gen=%d torn down (initiating=%v)", s.cs.CallID, s.gen, initiating)
}

// endCall tears down and forgets the call and the guest identity.
func (p *Player) endCall(initiating bool) {
	p.teardown(initiating)
	if err := p.store.Clear(); err != nil {
		log.Warnf("PLAYER [%s]: clear session store: %v", p.callID, err)
	}
}

func (p *Player) send(t signaling.MessageType, data any) {
	if err := signaling.SendData(p.ch, t, data); err != nil {
		metrics.SendFailuresTotal.WithLabelValues(string(t)).Inc()
		log.Warnf("PLAYER [%s]: send %s: %v", p.callID, t, err)
		return
	}
	metrics.MessagesSentTotal.WithLabelValues(string(t)).Inc()
}

// ── status ───────────────────────────────────────────────────────────────────

func (p *Player) setState(st State) {
	if p.state == st {
		return
	}
	log.Infof("PLAYER [%s]: %s -> %s", p.callID, p.state, st)
	metrics.StateTransitionsTotal.WithLabelValues(string(st)).Inc()
	p.state = st
	p.publish()
}

func (p *Player) publish() {
	st := Status{
		State:          p.state,
		CallID:         p.callID,
		SocketID:       p.socketID,
		Generation:     p.gen.Load(),
		HasLocalStream: p.local != nil,
		PeerStream:     p.peer,
		Error:          p.errText,
		UpdatedAt:      time.Now(),
	}
	if s := p.sess; s != nil {
		st.CallID = s.cs.CallID
		st.AgentID = s.cs.AgentID
		st.Tracks = s.mgr.TrackState()
	}

	p.statusMu.Lock()
	p.status = st
	for _, ch := range p.subs {
		select {
		case ch <- st:
		default:
		}
	}
	p.statusMu.Unlock()
}
