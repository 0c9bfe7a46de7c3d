package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/player"
)

var log = logging.Logger("viewer")

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Call == nil {
		return
	}
	c := d.Call

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Snapshot())
	})

	// GET /api/call/events: SSE, one "status" event per player update,
	// starting with the current one.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		updates, cancel := c.Subscribe()
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-updates:
				if !ok {
					return
				}
				data, err := json.Marshal(st)
				if err != nil {
					log.Warnf("VIEWER: marshal status: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := c.HangUp(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	toggle := func(kind webrtc.RTPCodecType) func(http.ResponseWriter, *http.Request, struct{}) {
		return func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			ts, err := c.Toggle(r.Context(), kind)
			switch {
			case errors.Is(err, player.ErrNoCall):
				http.Error(w, "no active call", http.StatusNotFound)
				return
			case err != nil:
				log.Warnf("VIEWER: toggle %s: %v", kind, err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, ts)
		}
	}

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", toggle(webrtc.RTPCodecTypeAudio))
	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", toggle(webrtc.RTPCodecTypeVideo))
}
