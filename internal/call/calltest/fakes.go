// Package calltest provides in-memory capture devices and peer connections
// for driving call.Manager in tests.
package calltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/call"
)

// ── Tracks ───────────────────────────────────────────────────────────────────

type Track struct {
	id      string
	stream  string
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewTrack(id, stream string, kind webrtc.RTPCodecType) *Track {
	t := &Track{id: id, stream: stream, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *Track) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *Track) ID() string                            { return t.id }
func (t *Track) RID() string                           { return "" }
func (t *Track) StreamID() string                      { return t.stream }
func (t *Track) Kind() webrtc.RTPCodecType             { return t.kind }
func (t *Track) Enabled() bool                         { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)                    { t.enabled.Store(on) }
func (t *Track) Stop()                                 { t.stopped.Store(true) }
func (t *Track) Stopped() bool                         { return t.stopped.Load() }

// ── Devices ──────────────────────────────────────────────────────────────────

// Devices reports a fixed device list and captures one track per requested
// and present kind. Requesting an absent kind fails like a browser would.
type Devices struct {
	mu      sync.Mutex
	list    []call.DeviceInfo
	calls   []call.Constraints
	streams []*call.LocalStream
	tracks  []*Track
	n       int

	// Err, when set, fails every GetUserMedia.
	Err error
	// Gate, when set, holds GetUserMedia until it is closed or ctx ends.
	Gate chan struct{}
	// Entered receives once per GetUserMedia call, before Gate is waited on.
	Entered chan struct{}
}

func NewDevices(kinds ...call.DeviceKind) *Devices {
	d := &Devices{Entered: make(chan struct{}, 16)}
	for i, k := range kinds {
		d.list = append(d.list, call.DeviceInfo{ID: fmt.Sprintf("dev-%d", i), Label: k.String(), Kind: k})
	}
	return d
}

func (d *Devices) has(k call.DeviceKind) bool {
	for _, di := range d.list {
		if di.Kind == k {
			return true
		}
	}
	return false
}

func (d *Devices) Enumerate(context.Context) ([]call.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call.DeviceInfo(nil), d.list...), nil
}

func (d *Devices) GetUserMedia(ctx context.Context, c call.Constraints) (*call.LocalStream, error) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	gate, err := d.Gate, d.Err
	d.mu.Unlock()

	select {
	case d.Entered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if c.Audio && !d.has(call.AudioInput) {
		return nil, errors.New("requested device not found: audio")
	}
	if c.Video != nil && !d.has(call.VideoInput) {
		return nil, errors.New("requested device not found: video")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	s := &call.LocalStream{ID: fmt.Sprintf("local-%d", d.n)}
	if c.Audio {
		t := NewTrack(fmt.Sprintf("audio-%d", d.n), s.ID, webrtc.RTPCodecTypeAudio)
		d.tracks = append(d.tracks, t)
		s.Tracks = append(s.Tracks, t)
	}
	if c.Video != nil {
		t := NewTrack(fmt.Sprintf("video-%d", d.n), s.ID, webrtc.RTPCodecTypeVideo)
		d.tracks = append(d.tracks, t)
		s.Tracks = append(s.Tracks, t)
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Calls returns the constraints of every GetUserMedia so far.
func (d *Devices) Calls() []call.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call.Constraints(nil), d.calls...)
}

// Streams returns every stream handed out so far.
func (d *Devices) Streams() []*call.LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*call.LocalStream(nil), d.streams...)
}

// Tracks returns every track captured so far, attached or not.
func (d *Devices) Tracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.tracks...)
}

// ── Peer connection ──────────────────────────────────────────────────────────

// PeerConnection records every call. AddICECandidate fails without a remote
// description, as a real connection does.
type PeerConnection struct {
	mu         sync.Mutex
	config     webrtc.Configuration
	tracks     []call.LocalTrack
	removed    []*webrtc.RTPSender
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     int
	answers    int
	closed     bool

	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(call.RemoteTrack)
	onState     func(webrtc.ICEConnectionState)

	OfferErr  error
	RemoteErr error

	// AddTrackErr fails AddTrack for tracks of that kind.
	AddTrackErr map[webrtc.RTPCodecType]error
}

func (p *PeerConnection) AddTrack(t call.LocalTrack) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("peer connection closed")
	}
	if err := p.AddTrackErr[t.Kind()]; err != nil {
		return nil, err
	}
	p.tracks = append(p.tracks, t)
	return &webrtc.RTPSender{}, nil
}

func (p *PeerConnection) RemoveTrack(s *webrtc.RTPSender) error {
	p.mu.Lock()
	p.removed = append(p.removed, s)
	p.mu.Unlock()
	return nil
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OfferErr != nil {
		return webrtc.SessionDescription{}, p.OfferErr
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *PeerConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	return nil
}

func (p *PeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	p.remote = &d
	return nil
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *PeerConnection) OnLocalCandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnRemoteTrack(fn func(call.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitCandidate plays a locally gathered candidate; nil ends gathering.
func (p *PeerConnection) EmitCandidate(c *webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *PeerConnection) EmitTrack(t call.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *PeerConnection) EmitState(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *PeerConnection) Config() webrtc.Configuration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

func (p *PeerConnection) Tracks() []call.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call.LocalTrack(nil), p.tracks...)
}

func (p *PeerConnection) Removed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.removed)
}

func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *PeerConnection) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Factory hands out fake peer connections and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*PeerConnection
	Err   error
}

func (f *Factory) NewPeerConnection(cfg webrtc.Configuration) (call.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := &PeerConnection{config: cfg}
	f.conns = append(f.conns, pc)
	return pc, nil
}

// Last returns the most recently created connection, or nil.
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}
