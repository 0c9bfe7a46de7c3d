package player

import (
	"time"

	"github.com/petervdpas/guestcall/internal/call"
)

// State is the orchestrator state. StateClosed is terminal.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateChannelConnecting State = "channel-connecting"
	StateAwaitingMatch     State = "awaiting-match"
	StateNegotiating       State = "negotiating"
	StateInCall            State = "in-call"
	StateError             State = "error"
	StateClosed            State = "closed"
)

// Status is a point-in-time view of the player, safe to hand to other
// goroutines.
type Status struct {
	State          State              `json:"state"`
	CallID         string             `json:"callId,omitempty"`
	AgentID        string             `json:"agentId,omitempty"`
	SocketID       string             `json:"socketId,omitempty"`
	Generation     uint64             `json:"generation"`
	HasLocalStream bool               `json:"hasLocalStream"`
	PeerStream     *call.RemoteStream `json:"peerStream,omitempty"`
	Tracks         call.TrackState    `json:"tracks"`
	Error          string             `json:"error,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}
