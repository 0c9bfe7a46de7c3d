// Package signaling carries call control messages between the guest and the
// call service over a single named event.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultEvent is the logical event every call message travels on.
const DefaultEvent = "scheduled-one-to-one-call"

type MessageType string

const (
	RequestAgent      MessageType = "requestAgent"
	AgentUnavailable  MessageType = "agentUnavailable"
	RequestCall       MessageType = "requestCall"
	RestoreCall       MessageType = "restoreCall"
	UpdateGuestSocket MessageType = "updateGuestSocket"
	Error             MessageType = "error"
	Check             MessageType = "check"
	Ping              MessageType = "ping"
	Stop              MessageType = "stop"
	Candidate         MessageType = "candidate"
	Offer             MessageType = "offer"
	Answer            MessageType = "answer"
	Credentials       MessageType = "credentials"
)

// Known reports whether t is part of the call protocol.
func (t MessageType) Known() bool {
	switch t {
	case RequestAgent, AgentUnavailable, RequestCall, RestoreCall, UpdateGuestSocket,
		Error, Check, Ping, Stop, Candidate, Offer, Answer, Credentials:
		return true
	}
	return false
}

// Envelope is the unit of exchange on the call event.
type Envelope struct {
	Type  MessageType     `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewEnvelope encodes data as the body of a t message. A nil data yields an
// envelope without body.
func NewEnvelope(t MessageType, data any) (Envelope, error) {
	env := Envelope{Type: t}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("encode %s: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the body into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// ErrorText is the human-readable failure carried by agentUnavailable and
// error messages.
func (e Envelope) ErrorText() string {
	if e.Error != "" {
		return e.Error
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if e.Type == AgentUnavailable {
		return "no agent is available"
	}
	return string(e.Type)
}

// ── Payloads ─────────────────────────────────────────────────────────────────

type RequestAgentData struct {
	CallID string `json:"callId"`
}

// CallSessionData is the body of an inbound requestCall.
type CallSessionData struct {
	CallID               string `json:"callId"`
	AgentID              string `json:"agentId"`
	AgentSocketID        string `json:"agentSocketId"`
	VideoActiveByDefault bool   `json:"videoActiveByDefault"`
}

// RequestCallData is the outbound requestCall sent when the guest initiates.
type RequestCallData struct {
	AgentSocketID string `json:"agentSocketId"`
	CallID        string `json:"callId"`
}

type RestoreCallData struct {
	CallID        string `json:"callId"`
	GuestSocketID string `json:"guestSocketId"`
}

type UpdateGuestSocketData struct {
	OldSocketID string `json:"oldSocketId"`
	NewSocketID string `json:"newSocketId"`
	CallID      string `json:"callId"`
}

type StopData struct {
	AgentID string `json:"agentId"`
	CallID  string `json:"callId"`
	IsGuest bool   `json:"isGuest"`
}

// CandidateData carries one ICE candidate. A nil Candidate marks the end of
// gathering.
type CandidateData struct {
	AgentID   string                   `json:"agentId"`
	CallID    string                   `json:"callId"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
	IsGuest   bool                     `json:"isGuest"`
}

type OfferData struct {
	AgentID string                     `json:"agentId"`
	CallID  string                     `json:"callId"`
	Offer   *webrtc.SessionDescription `json:"offer"`
	IsGuest bool                       `json:"isGuest"`
}

type AnswerData struct {
	AgentID string                     `json:"agentId"`
	CallID  string                     `json:"callId"`
	Answer  *webrtc.SessionDescription `json:"answer"`
	IsGuest bool                       `json:"isGuest"`
}
