package routes

import (
	"context"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/player"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Call is the part of the player the viewer drives.
type Call interface {
	Snapshot() player.Status
	Subscribe() (<-chan player.Status, func())
	HangUp() error
	Toggle(ctx context.Context, kind webrtc.RTPCodecType) (call.TrackState, error)
}

type Deps struct {
	Call    Call
	Logs    Logs
	Metrics http.Handler
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerCallRoutes(mux, d)
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
}
