//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// NewPlatform is receive-only off Linux: camera/mic capture needs the V4L2
// and malgo drivers. Enumerate reports no devices, so Start fails with
// ErrDeviceUnavailable and the call continues receiving only.
func NewPlatform(cfg PlatformConfig) (*Platform, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	f, err := newPionFactory(me, cfg)
	if err != nil {
		return nil, err
	}
	return &Platform{Devices: noDevices{}, Factory: f}, nil
}

type noDevices struct{}

func (noDevices) Enumerate(context.Context) ([]DeviceInfo, error) { return nil, nil }

func (noDevices) GetUserMedia(context.Context, Constraints) (*LocalStream, error) {
	return nil, fmt.Errorf("no capture drivers on %s", runtime.GOOS)
}
