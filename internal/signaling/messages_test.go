package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEnvelopeWireShape(t *testing.T) {
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	env, err := NewEnvelope(Offer, OfferData{AgentID: "a", CallID: "c", Offer: &sdp, IsGuest: true})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(env)

	var raw struct {
		Type string `json:"type"`
		Data struct {
			Offer   map[string]string `json:"offer"`
			IsGuest bool              `json:"isGuest"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Type != "offer" || raw.Data.Offer["type"] != "offer" || raw.Data.Offer["sdp"] != "v=0" || !raw.Data.IsGuest {
		t.Fatalf("wire = %s", b)
	}
}

func TestEndOfCandidatesIsNull(t *testing.T) {
	env, _ := NewEnvelope(Candidate, CandidateData{CallID: "c"})
	var back CandidateData
	if err := env.Decode(&back); err != nil {
		t.Fatal(err)
	}
	if back.Candidate != nil {
		t.Fatalf("candidate = %+v", back.Candidate)
	}
}

func TestErrorText(t *testing.T) {
	cases := []struct {
		env  Envelope
		want string
	}{
		{Envelope{Type: Error, Error: "call expired"}, "call expired"},
		{Envelope{Type: Error, Data: json.RawMessage(`{"message":"bad call"}`)}, "bad call"},
		{Envelope{Type: AgentUnavailable}, "no agent is available"},
	}
	for _, tc := range cases {
		if got := tc.env.ErrorText(); got != tc.want {
			t.Errorf("%+v: got %q want %q", tc.env, got, tc.want)
		}
	}
}

func TestDecodeEmpty(t *testing.T) {
	var v RequestAgentData
	if err := (Envelope{Type: RequestAgent}).Decode(&v); err == nil {
		t.Fatal("expected error for empty body")
	}
	if MessageType("bogus").Known() || !Stop.Known() {
		t.Fatal("Known mismatch")
	}
}
