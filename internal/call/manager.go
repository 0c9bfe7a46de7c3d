// Package call owns one side of a one-to-one WebRTC call: the peer
// connection, the local capture and the offer/answer/candidate exchange.
// Coupling to the signaling layer is through emitted events only.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/emitter"
	"github.com/petervdpas/guestcall/internal/metrics"
)

var log = logging.Logger("call")

type lifecycle int

const (
	idle lifecycle = iota
	active
	stopped
)

func (l lifecycle) String() string {
	switch l {
	case idle:
		return "idle"
	case active:
		return "active"
	}
	return "stopped"
}

// Options configures a Manager. Devices and Factory are required.
type Options struct {
	// ID labels log lines, usually the call id.
	ID string
	// Generation tags every manager the owner creates; events carry it back.
	Generation uint64

	ICEServers           []webrtc.ICEServer
	VideoActiveByDefault bool
	CandidatePolicy      CandidatePolicy
	Video                VideoConstraints

	Devices Devices
	Factory PeerConnectionFactory
}

type attachment struct {
	track  LocalTrack
	sender *webrtc.RTPSender
}

// Manager drives a single peer connection from capture to teardown. It is
// not restartable: after Stop every operation returns ErrStopped.
type Manager struct {
	id      string
	gen     uint64
	devices Devices
	video   VideoConstraints
	policy  CandidatePolicy
	events  *emitter.Emitter

	// opMu serializes Start, Handle*, AddICECandidate and ToggleInputs.
	// Stop does not take it.
	opMu sync.Mutex

	mu       sync.Mutex
	state    lifecycle
	pc       PeerConnection
	local    *LocalStream
	attached []attachment
	tracks   TrackState
	pending  []webrtc.ICECandidateInit
	remote   *RemoteStream
}

// New creates a Manager with its peer connection already built from the
// ICE servers in opts. Nothing is captured until Start.
func New(opts Options) (*Manager, error) {
	if opts.Devices == nil || opts.Factory == nil {
		return nil, errors.New("call: devices and peer connection factory are required")
	}
	pc, err := opts.Factory.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	m := &Manager{
		id:      opts.ID,
		gen:     opts.Generation,
		devices: opts.Devices,
		video:   opts.Video,
		policy:  opts.CandidatePolicy,
		events:  emitter.New(),
		pc:      pc,
		tracks: TrackState{
			VideoActive: opts.VideoActiveByDefault,
			AudioActive: true,
		},
	}
	pc.OnLocalCandidate(m.onLocalCandidate)
	pc.OnRemoteTrack(m.onRemoteTrack)
	pc.OnICEConnectionStateChange(m.onICEState)

	metrics.ActiveManagers.Inc()
	log.Debugf("CALL [%s]: manager gen=%d ready (%d ice servers)", m.id, m.gen, len(opts.ICEServers))
	return m, nil
}

// ID returns the label given in Options, usually the call id.
func (m *Manager) ID() string { return m.id }

// Generation returns the owner's tag for this manager.
func (m *Manager) Generation() uint64 { return m.gen }

// On registers fn for ev. Listeners run on the goroutine that raised the
// event, which may be a peer connection callback.
func (m *Manager) On(ev emitter.Event, fn emitter.Listener) *Manager {
	m.events.On(ev, fn)
	return m
}

// TrackState returns the current local media state.
func (m *Manager) TrackState() TrackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks
}

// LocalStream returns the attached local stream, or nil before Start
// succeeds and after Stop.
func (m *Manager) LocalStream() *LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Stopped reports whether Stop has run.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stopped
}

// Start detects inputs, captures local media, attaches it and then either
// asks the owner to initiate (startCall) or creates the first offer.
func (m *Manager) Start(ctx context.Context, initiating bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case stopped:
		m.mu.Unlock()
		return ErrStopped
	case active:
		m.mu.Unlock()
		return errors.New("call: already started")
	}
	m.state = active
	videoDefault := m.tracks.VideoActive
	m.mu.Unlock()

	devs, err := m.devices.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("%w: enumerate: %w", ErrDeviceUnavailable, err)
	}
	hasAudio, hasVideo := detectInputs(devs)

	m.mu.Lock()
	if m.state == stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	m.tracks.AudioInputConnected = hasAudio
	m.tracks.VideoInputConnected = hasVideo
	if !hasVideo {
		m.tracks.VideoActive = false
	}
	m.mu.Unlock()

	var c Constraints
	disableVideo := false
	switch {
	case hasAudio && hasVideo:
		c.Audio = true
		if videoDefault {
			c.Video = &m.video
		}
	case hasVideo:
		// Without a microphone the camera is the only track; it stays
		// attached but disabled when video is off by default.
		c.Video = &m.video
		disableVideo = !videoDefault
	case hasAudio:
		c.Audio = true
	default:
		log.Warnf("CALL [%s]: no camera or microphone found (%d devices)", m.id, len(devs))
		return ErrDeviceUnavailable
	}

	stream, err := m.acquire(ctx, c)
	if err != nil {
		return err
	}
	if disableVideo {
		for _, t := range stream.VideoTracks() {
			t.SetEnabled(false)
		}
	}
	if err := m.attach(stream); err != nil {
		return err
	}
	log.Infof("CALL [%s]: local media attached (audio=%v video=%v initiating=%v)", m.id, c.Audio, c.Video != nil, initiating)
	m.events.Emit(EventLocalStream, stream)

	if initiating {
		m.events.Emit(EventStartCall, nil)
		return nil
	}
	return m.createOffer()
}

// HandleOffer applies the counterpart's offer and answers it.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	pc, err := m.conn()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return m.negotiationError("set remote offer", err)
	}
	m.flushCandidates(pc)

	answer, err := pc.CreateAnswer()
	if err != nil {
		return m.negotiationError("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return m.negotiationError("set local answer", err)
	}
	if m.Stopped() {
		return ErrStopped
	}
	m.events.Emit(EventAnswerCreated, resolved(pc, answer))
	return nil
}

// HandleAnswer applies the counterpart's answer to our offer.
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	pc, err := m.conn()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return m.negotiationError("set remote answer", err)
	}
	m.flushCandidates(pc)
	return nil
}

// AddICECandidate hands a remote candidate to the peer connection. Under
// BufferCandidates a candidate that arrives before any remote description is
// held back and applied right after the description is set. A nil candidate
// marks the end of the counterpart's gathering and is dropped.
func (m *Manager) AddICECandidate(c *webrtc.ICECandidateInit) error {
	if c == nil || c.Candidate == "" {
		log.Debugf("CALL [%s]: remote end of candidates", m.id)
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	pc := m.pc
	if m.policy == BufferCandidates && pc.RemoteDescription() == nil {
		m.pending = append(m.pending, *c)
		n := len(m.pending)
		m.mu.Unlock()
		metrics.CandidatesTotal.WithLabelValues("buffered").Inc()
		log.Debugf("CALL [%s]: candidate buffered (%d pending)", m.id, n)
		return nil
	}
	m.mu.Unlock()
	return m.applyCandidate(pc, *c)
}

// ToggleInputs flips audio in place, or switches video on/off by
// re-acquiring local media and renegotiating.
func (m *Manager) ToggleInputs(ctx context.Context, kind webrtc.RTPCodecType) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == stopped {
		m.mu.Unlock()
		return ErrStopped
	}

	switch kind {
	case webrtc.RTPCodecTypeAudio:
		for _, t := range m.local.AudioTracks() {
			t.SetEnabled(!t.Enabled())
		}
		m.tracks.AudioActive = !m.tracks.AudioActive
		on := m.tracks.AudioActive
		m.mu.Unlock()
		log.Infof("CALL [%s]: audio muted=%v", m.id, !on)
		return nil

	case webrtc.RTPCodecTypeVideo:
	default:
		m.mu.Unlock()
		return fmt.Errorf("call: cannot toggle %s", kind)
	}

	if !m.tracks.VideoInputConnected {
		m.mu.Unlock()
		return ErrDeviceUnavailable
	}
	turnOn := !m.tracks.VideoActive
	audioIn := m.tracks.AudioInputConnected
	audioOn := m.tracks.AudioActive
	m.tracks.VideoActive = turnOn
	old := m.detachLocked()
	pc := m.pc
	m.mu.Unlock()

	m.release(pc, old)

	var c Constraints
	disableVideo := false
	switch {
	case turnOn:
		c.Video = &m.video
		c.Audio = audioIn
	case audioIn:
		c.Audio = true
	default:
		// No microphone: keep a disabled camera track so the connection
		// still carries a media line to send on.
		c.Video = &m.video
		disableVideo = true
	}

	stream, err := m.acquire(ctx, c)
	if err != nil {
		m.mu.Lock()
		m.tracks.VideoActive = false
		m.mu.Unlock()
		return err
	}
	for _, t := range stream.AudioTracks() {
		t.SetEnabled(audioOn)
	}
	if disableVideo {
		for _, t := range stream.VideoTracks() {
			t.SetEnabled(false)
		}
	}
	if err := m.attach(stream); err != nil {
		return err
	}
	log.Infof("CALL [%s]: video disabled=%v", m.id, !turnOn)
	m.events.Emit(EventLocalStream, stream)
	return m.createOffer()
}

// Stop tears the manager down. When initiating it first emits stopCall so
// the owner can notify the counterpart. Safe to call more than once and from
// any goroutine, including while another operation is in flight; that
// operation discards its results when it resumes.
func (m *Manager) Stop(initiating bool) {
	m.mu.Lock()
	if m.state == stopped {
		m.mu.Unlock()
		return
	}
	m.state = stopped
	pc := m.pc
	old := m.detachLocked()
	m.pc = nil
	m.pending = nil
	m.remote = nil
	m.mu.Unlock()

	if initiating {
		m.events.Emit(EventStopCall, nil)
	}
	for _, a := range old {
		a.track.Stop()
		metrics.LocalTracks.WithLabelValues(a.track.Kind().String()).Dec()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warnf("CALL [%s]: close peer connection: %v", m.id, err)
		}
	}
	m.events.Off()
	metrics.ActiveManagers.Dec()
	log.Infof("CALL [%s]: stopped (initiating=%v)", m.id, initiating)
}

// ── internals ────────────────────────────────────────────────────────────────

func detectInputs(devs []DeviceInfo) (audio, video bool) {
	for _, d := range devs {
		switch d.Kind {
		case AudioInput:
			audio = true
		case VideoInput:
			video = true
		}
	}
	return audio, video
}

func (m *Manager) conn() (PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stopped {
		return nil, ErrStopped
	}
	return m.pc, nil
}

func (m *Manager) acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	stream, err := m.devices.GetUserMedia(ctx, c)
	if err != nil {
		log.Warnf("CALL [%s]: GetUserMedia(audio=%v video=%v) failed: %v", m.id, c.Audio, c.Video != nil, err)
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if stream == nil || len(stream.Tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	return stream, nil
}

// attach adds every track of stream to the peer connection. If the manager
// was stopped meanwhile the stream is stopped instead.
func (m *Manager) attach(stream *LocalStream) error {
	pc, err := m.conn()
	if err != nil {
		stream.Stop()
		return err
	}

	// A track the connection refuses is stopped here and leaves the stream,
	// so every track in m.local has a sender and is released by Stop.
	var added []attachment
	kept := make([]LocalTrack, 0, len(stream.Tracks))
	for _, t := range stream.Tracks {
		s, err := pc.AddTrack(t)
		if err != nil {
			metrics.NegotiationFailuresTotal.WithLabelValues("add track").Inc()
			log.Warnf("CALL [%s]: AddTrack(%s) error: %v", m.id, t.Kind(), err)
			t.Stop()
			continue
		}
		kept = append(kept, t)
		added = append(added, attachment{track: t, sender: s})
		metrics.LocalTracks.WithLabelValues(t.Kind().String()).Inc()
	}
	stream.Tracks = kept

	m.mu.Lock()
	if m.state == stopped {
		m.mu.Unlock()
		for _, a := range added {
			metrics.LocalTracks.WithLabelValues(a.track.Kind().String()).Dec()
		}
		stream.Stop()
		return ErrStopped
	}
	m.local = stream
	m.attached = added
	m.mu.Unlock()
	return nil
}

func (m *Manager) detachLocked() []attachment {
	old := m.attached
	m.attached = nil
	m.local = nil
	return old
}

func (m *Manager) release(pc PeerConnection, old []attachment) {
	for _, a := range old {
		a.track.Stop()
		if pc != nil && a.sender != nil {
			if err := pc.RemoveTrack(a.sender); err != nil {
				log.Warnf("CALL [%s]: RemoveTrack(%s) error: %v", m.id, a.track.Kind(), err)
			}
		}
		metrics.LocalTracks.WithLabelValues(a.track.Kind().String()).Dec()
	}
}

func (m *Manager) createOffer() error {
	pc, err := m.conn()
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return m.negotiationError("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return m.negotiationError("set local offer", err)
	}
	if m.Stopped() {
		return ErrStopped
	}
	m.events.Emit(EventOfferCreated, resolved(pc, offer))
	return nil
}

// resolved prefers the description as the connection holds it, which
// carries the candidates gathered so far.
func resolved(pc PeerConnection, d webrtc.SessionDescription) webrtc.SessionDescription {
	if ld := pc.LocalDescription(); ld != nil {
		return *ld
	}
	return d
}

func (m *Manager) flushCandidates(pc PeerConnection) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(pending) > 0 {
		log.Debugf("CALL [%s]: applying %d buffered candidates", m.id, len(pending))
	}
	for _, c := range pending {
		_ = m.applyCandidate(pc, c)
	}
}

func (m *Manager) applyCandidate(pc PeerConnection, c webrtc.ICECandidateInit) error {
	if err := pc.AddICECandidate(c); err != nil {
		metrics.CandidatesTotal.WithLabelValues("failed").Inc()
		log.Warnf("CALL [%s]: add ice candidate error: %v", m.id, err)
		return fmt.Errorf("%w: add candidate: %w", ErrNegotiation, err)
	}
	metrics.CandidatesTotal.WithLabelValues("applied").Inc()
	return nil
}

func (m *Manager) negotiationError(step string, err error) error {
	metrics.NegotiationFailuresTotal.WithLabelValues(step).Inc()
	log.Errorf("CALL [%s]: %s: %v", m.id, step, err)
	return fmt.Errorf("%w: %s: %w", ErrNegotiation, step, err)
}

func (m *Manager) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if m.Stopped() {
		return
	}
	m.events.Emit(EventICECandidate, c)
}

func (m *Manager) onRemoteTrack(t RemoteTrack) {
	m.mu.Lock()
	if m.state == stopped {
		m.mu.Unlock()
		return
	}
	if m.remote == nil || m.remote.ID != t.StreamID {
		m.remote = &RemoteStream{ID: t.StreamID}
	}
	m.remote.Tracks = append(m.remote.Tracks, t)
	snap := &RemoteStream{ID: m.remote.ID, Tracks: append([]RemoteTrack(nil), m.remote.Tracks...)}
	m.mu.Unlock()

	log.Infof("CALL [%s]: remote %s track %s (stream %s)", m.id, t.Kind, t.ID, t.StreamID)
	m.events.Emit(EventPeerStream, snap)
}

func (m *Manager) onICEState(s webrtc.ICEConnectionState) {
	log.Debugf("CALL [%s]: ice %s", m.id, s)
	if s != webrtc.ICEConnectionStateDisconnected || m.Stopped() {
		return
	}
	metrics.PeerDisconnectsTotal.Inc()
	m.events.Emit(EventPeerDisconnected, nil)
}
