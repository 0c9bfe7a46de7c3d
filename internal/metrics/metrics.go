// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalingConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guestcall_signaling_connected",
		Help: "1 while the signaling channel is connected",
	})

	SignalingReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guestcall_signaling_connects_total",
		Help: "Total number of signaling connections established",
	})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_messages_received_total",
		Help: "Signaling messages received, by type",
	}, []string{"type"})

	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_messages_sent_total",
		Help: "Signaling messages sent, by type",
	}, []string{"type"})

	SendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_send_failures_total",
		Help: "Signaling messages that could not be sent, by type",
	}, []string{"type"})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_state_transitions_total",
		Help: "Call orchestrator state transitions, by target state",
	}, []string{"state"})

	ActiveManagers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guestcall_active_managers",
		Help: "Peer connection managers not yet stopped",
	})

	StaleEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guestcall_stale_events_dropped_total",
		Help: "Manager events dropped because a newer session replaced it",
	})

	NegotiationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_negotiation_failures_total",
		Help: "Peer connection failures during negotiation, by step",
	}, []string{"step"})

	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_remote_candidates_total",
		Help: "Remote ICE candidates, by outcome",
	}, []string{"outcome"}) // "applied" | "buffered" | "failed"

	LocalTracks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guestcall_local_tracks",
		Help: "Local media tracks attached to the peer connection",
	}, []string{"kind"})

	PeerDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guestcall_peer_disconnects_total",
		Help: "ICE disconnections of the peer connection",
	})

	RemoteRTPPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_remote_rtp_packets_total",
		Help: "RTP packets received from the counterpart",
	}, []string{"kind"})

	RemoteRTPBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_remote_rtp_bytes_total",
		Help: "RTP payload bytes received from the counterpart",
	}, []string{"kind"})

	RemoteRTPLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestcall_remote_rtp_lost_total",
		Help: "RTP packets missing by sequence number",
	}, []string{"kind"})

	KeyframeRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guestcall_keyframe_requests_total",
		Help: "PLI packets sent for remote video",
	})
)
