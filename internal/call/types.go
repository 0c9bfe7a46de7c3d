package call

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/emitter"
)

var (
	// ErrDeviceUnavailable means no usable camera or microphone was found,
	// or capture failed.
	ErrDeviceUnavailable = errors.New("call: no usable media device")
	// ErrNegotiation wraps a failure of the peer connection during
	// offer/answer/candidate exchange.
	ErrNegotiation = errors.New("call: negotiation failed")
	// ErrStopped is returned by operations on a stopped manager.
	ErrStopped = errors.New("call: manager stopped")
)

// Manager events and their payload types.
const (
	EventLocalStream      emitter.Event = "localStream"      // *LocalStream
	EventPeerStream       emitter.Event = "peerStream"       // *RemoteStream
	EventICECandidate     emitter.Event = "iceCandidate"     // *webrtc.ICECandidateInit, nil at end of gathering
	EventStartCall        emitter.Event = "startCall"        // nil
	EventStopCall         emitter.Event = "stopCall"         // nil
	EventOfferCreated     emitter.Event = "offerCreated"     // webrtc.SessionDescription
	EventAnswerCreated    emitter.Event = "answerCreated"    // webrtc.SessionDescription
	EventPeerDisconnected emitter.Event = "peerDisconnected" // nil
)

type DeviceKind int

const (
	AudioInput DeviceKind = iota + 1
	VideoInput
)

func (k DeviceKind) String() string {
	switch k {
	case AudioInput:
		return "audioinput"
	case VideoInput:
		return "videoinput"
	}
	return "unknown"
}

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// VideoConstraints bounds the capture resolution.
type VideoConstraints struct {
	MinHeight   int
	IdealHeight int
	MaxHeight   int
}

// Constraints selects what GetUserMedia captures. A nil Video means no video.
type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

// Devices is the capture side of the platform.
type Devices interface {
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalTrack is a captured track. Disabled tracks stay attached and keep
// their sender; they produce silence or black frames.
type LocalTrack interface {
	webrtc.TrackLocal
	Enabled() bool
	SetEnabled(on bool)
	Stop()
}

// LocalStream is the local capture as handed to the peer connection.
type LocalStream struct {
	ID     string
	Tracks []LocalTrack
}

func (s *LocalStream) AudioTracks() []LocalTrack { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *LocalStream) VideoTracks() []LocalTrack { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *LocalStream) ofKind(k webrtc.RTPCodecType) []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop ends every track.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

type RemoteTrack struct {
	ID       string              `json:"id"`
	StreamID string              `json:"streamId"`
	Kind     webrtc.RTPCodecType `json:"kind"`
}

// RemoteStream is the counterpart's media as seen so far.
type RemoteStream struct {
	ID     string        `json:"id"`
	Tracks []RemoteTrack `json:"tracks"`
}

// PeerConnection is the negotiation primitive behind a Manager.
type PeerConnection interface {
	AddTrack(t LocalTrack) (*webrtc.RTPSender, error)
	RemoveTrack(s *webrtc.RTPSender) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(d webrtc.SessionDescription) error
	SetRemoteDescription(d webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnLocalCandidate receives nil once gathering is complete.
	OnLocalCandidate(fn func(*webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(RemoteTrack))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	Close() error
}

// PeerConnectionFactory builds the primitive for each new Manager.
type PeerConnectionFactory interface {
	NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error)
}

// TrackState is the local media state as the UI shows it.
type TrackState struct {
	VideoActive         bool `json:"videoActive"`
	AudioActive         bool `json:"audioActive"`
	VideoInputConnected bool `json:"videoInputConnected"`
	AudioInputConnected bool `json:"audioInputConnected"`
}

// CandidatePolicy decides what happens to remote candidates that arrive
// before a remote description.
type CandidatePolicy int

const (
	// BufferCandidates queues early candidates and applies them, in order,
	// right after the remote description is set.
	BufferCandidates CandidatePolicy = iota
	// ApplyCandidates hands every candidate to the peer connection at once.
	ApplyCandidates
)

// ParseCandidatePolicy maps the config value; anything but "apply" buffers.
func ParseCandidatePolicy(s string) CandidatePolicy {
	if s == "apply" {
		return ApplyCandidates
	}
	return BufferCandidates
}

// ICEServers builds the server list: STUN without credentials, then the
// TURN set sharing one username/credential pair. TURN is left out without a
// username since the peer connection refuses TURN servers without
// credentials. Query strings are cut from STUN urls for the same reason.
func ICEServers(stun, turn []string, username, credential string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(stun) > 0 {
		urls := make([]string, len(stun))
		for i, u := range stun {
			urls[i], _, _ = strings.Cut(u, "?")
		}
		out = append(out, webrtc.ICEServer{URLs: urls})
	}
	if len(turn) > 0 && username != "" {
		out = append(out, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return out
}
