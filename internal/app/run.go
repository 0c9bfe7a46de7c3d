// Package app wires one guest process: config, session store, media
// platform, signaling channel, player and viewer.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/config"
	"github.com/petervdpas/guestcall/internal/player"
	"github.com/petervdpas/guestcall/internal/signaling"
	"github.com/petervdpas/guestcall/internal/storage"
	"github.com/petervdpas/guestcall/internal/util"
	"github.com/petervdpas/guestcall/internal/viewer"
)

type Options struct {
	ProfileDir string
	CfgPath    string
	Cfg        config.Config
	// Detach leaves the call without hanging up when it fires; the next run
	// from the same profile restores it.
	Detach <-chan struct{}
}

// Run joins the configured call and blocks until ctx ends (hang up) or
// Detach fires.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.Ready(); err != nil {
		return err
	}

	logBuf := viewer.NewLogBuffer(cfg.Viewer.LogLines)
	stopLogs := setupLogging(cfg.Log, logBuf)
	defer stopLogs()

	logBanner(opt.ProfileDir, opt.CfgPath, cfg)

	// ICE, candidate policy and media constraints are read per call, so a
	// config edit applies to the next manager.
	current := func() config.Config { return cfg }
	if w, err := config.Watch(opt.CfgPath, cfg); err != nil {
		log.Warnf("APP: config reload disabled: %v", err)
	} else {
		defer w.Close()
		w.OnChange(func(c config.Config) {
			applyLogLevels(c.Log)
			log.Infof("APP: config reloaded")
		})
		current = w.Get
	}

	storeDir := ""
	if cfg.Storage.Dir != "" {
		storeDir = util.ResolvePath(opt.ProfileDir, cfg.Storage.Dir)
	}
	store, persistent := storage.OpenSessionStore(storeDir)
	defer store.Close()
	if !persistent {
		log.Warnf("APP: session state is in memory only; a restart will not restore the call")
	}

	platform, err := call.NewPlatform(platformConfig(cfg))
	if err != nil {
		return fmt.Errorf("media platform: %w", err)
	}

	ch := signaling.NewWSChannel(cfg.Signaling.URL, cfg.Signaling.Event, wsOptions(cfg.Signaling)...)

	p, err := player.New(player.Options{
		Channel:    ch,
		Store:      store,
		CallID:     cfg.Call.CallID,
		NewManager: managerFunc(current, platform),
	})
	if err != nil {
		ch.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr := cfg.Viewer.HTTPAddr; addr != "" {
		listen, url := NormalizeLocalViewer(addr)
		go func() {
			if err := viewer.Start(runCtx, listen, viewer.Viewer{Call: p, Logs: logBuf}); err != nil {
				log.Errorf("APP: viewer: %v", err)
			}
		}()
		log.Infof("APP: viewer at %s", url)
	}

	kick := make(chan struct{}, 1)
	events, unsub := ch.Subscribe()
	go func() {
		defer unsub()
		redial(runCtx, ch, events, redialDelay, kick)
	}()

	if err := p.Mount(runCtx); err != nil {
		log.Warnf("APP: %v; retrying in %s", err, redialDelay)
		kick <- struct{}{}
	}

	select {
	case <-ctx.Done():
		log.Infof("APP: shutting down, hanging up")
		p.Unmount()
	case <-opt.Detach:
		log.Infof("APP: detaching, call kept for the next start")
		if err := p.Detach(); err != nil {
			log.Warnf("APP: detach: %v", err)
		}
		ch.Close()
	}
	return nil
}

func managerFunc(current func() config.Config, platform *call.Platform) player.ManagerFunc {
	return func(cs storage.CallSession, gen uint64) (*call.Manager, error) {
		c := current()
		return call.New(call.Options{
			ID:                   cs.CallID,
			Generation:           gen,
			ICEServers:           call.ICEServers(c.ICE.STUNURLs, c.ICE.TURNURLs, c.ICE.Username, c.ICE.Credential),
			VideoActiveByDefault: cs.VideoActiveByDefault,
			CandidatePolicy:      call.ParseCandidatePolicy(c.Call.CandidatePolicy),
			Video:                videoConstraints(c.Media),
			Devices:              platform.Devices,
			Factory:              platform.Factory,
		})
	}
}

func wsOptions(s config.Signaling) []signaling.WSOption {
	opts := []signaling.WSOption{
		signaling.WithHandshakeTimeout(time.Duration(s.HandshakeTimeoutSec) * time.Second),
	}
	if s.Token != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+s.Token)
		opts = append(opts, signaling.WithHeader(h))
	}
	return opts
}
