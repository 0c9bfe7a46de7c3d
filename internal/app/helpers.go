package app

import (
	"strings"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/config"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost and
// returns the listen addr and the browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(profileDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("Guest call scope")
	log.Infof(" Profile folder : %s", profileDir)
	log.Infof(" Config file    : %s", cfgPath)
	log.Infof(" Call id        : %s", cfg.Call.CallID)
	log.Infof(" Call service   : %s", cfg.Signaling.URL)
	log.Info("")
	log.Info(" This process is ONE guest.")
	log.Info(" The profile folder holds its call session.")
	log.Info(" Different folder = different guest.")
	log.Info("────────────────────────────────────────")
}

func videoConstraints(m config.Media) call.VideoConstraints {
	return call.VideoConstraints{
		MinHeight:   m.MinHeight,
		IdealHeight: m.IdealHeight,
		MaxHeight:   m.MaxHeight,
	}
}
