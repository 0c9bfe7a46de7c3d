// Package viewer serves the guest's local control surface: call status and
// commands, the log tail and Prometheus metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/guestcall/internal/util"
	"github.com/petervdpas/guestcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Call routes.Call
	Logs *LogBuffer
}

// Handler builds the mux without binding a listener.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Call:    v.Call,
		Metrics: promhttp.Handler(),
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start listens on addr and serves until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("VIEWER: listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
