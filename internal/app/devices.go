package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/guestcall/internal/call"
	"github.com/petervdpas/guestcall/internal/config"
)

// ListDevices enumerates the capture devices the platform would use.
func ListDevices(ctx context.Context, cfg config.Config) ([]call.DeviceInfo, error) {
	p, err := call.NewPlatform(platformConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("media platform: %w", err)
	}
	return p.Devices.Enumerate(ctx)
}

func platformConfig(cfg config.Config) call.PlatformConfig {
	disconnected, failed, keepAlive := cfg.ICE.Timeouts()
	return call.PlatformConfig{
		VideoBitRate:        cfg.Media.VideoBitRate,
		PreferredCam:        cfg.Media.PreferredCam,
		PreferredMic:        cfg.Media.PreferredMic,
		DisconnectedTimeout: disconnected,
		FailedTimeout:       failed,
		KeepAliveInterval:   keepAlive,
		PionLogLevel:        cfg.Log.PionLevel,
	}
}
