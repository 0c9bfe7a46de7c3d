//go:build linux

package call

import (
	"context"
	"image"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
)

// NewPlatform captures through pion/mediadevices (V4L2 + malgo) and encodes
// VP8 + Opus.
func NewPlatform(cfg PlatformConfig) (*Platform, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if cfg.VideoBitRate > 0 {
		vpxParams.BitRate = cfg.VideoBitRate
	} else {
		vpxParams.BitRate = 1_500_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecs := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	me := &webrtc.MediaEngine{}
	codecs.Populate(me)

	f, err := newPionFactory(me, cfg)
	if err != nil {
		return nil, err
	}
	return &Platform{
		Devices: &captureDevices{codecs: codecs, cam: cfg.PreferredCam, mic: cfg.PreferredMic},
		Factory: f,
	}, nil
}

type captureDevices struct {
	codecs *mediadevices.CodecSelector
	cam    string
	mic    string
}

func (d *captureDevices) Enumerate(context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, di := range mediadevices.EnumerateDevices() {
		var kind DeviceKind
		switch di.Kind {
		case mediadevices.AudioInput:
			kind = AudioInput
		case mediadevices.VideoInput:
			kind = VideoInput
		default:
			continue
		}
		out = append(out, DeviceInfo{ID: di.DeviceID, Label: di.Label, Kind: kind})
	}
	return out, nil
}

func (d *captureDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	mc := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if v := c.Video; v != nil {
		mc.Video = func(t *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			t.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			t.Height = prop.IntRanged{Min: v.MinHeight, Ideal: v.IdealHeight, Max: v.MaxHeight}
			if d.cam != "" {
				t.DeviceID = prop.String(d.cam)
			}
		}
	}
	if c.Audio {
		mc.Audio = func(t *mediadevices.MediaTrackConstraints) {
			if d.mic != "" {
				t.DeviceID = prop.String(d.mic)
			}
		}
	}

	type result struct {
		s   mediadevices.MediaStream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(mc)
		ch <- result{s, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				for _, t := range r.s.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}

	stream := &LocalStream{ID: uuid.NewString()}
	for _, t := range r.s.GetTracks() {
		stream.Tracks = append(stream.Tracks, gate(t))
	}
	return stream, nil
}

// gatedTrack turns a mediadevices track's output into silence or black
// frames while disabled. The encoder keeps running so the sender stays bound.
type gatedTrack struct {
	mediadevices.Track
	enabled atomic.Bool
}

func gate(t mediadevices.Track) *gatedTrack {
	g := &gatedTrack{Track: t}
	g.enabled.Store(true)
	t.OnEnded(func(err error) {
		if err != nil {
			log.Debugf("CALL: local %s track ended: %v", t.Kind(), err)
		}
	})

	switch tr := t.(type) {
	case *mediadevices.VideoTrack:
		tr.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || g.enabled.Load() {
					return img, release, err
				}
				return blank(img), release, nil
			})
		})
	case *mediadevices.AudioTrack:
		tr.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || g.enabled.Load() {
					return chunk, release, err
				}
				return silence(chunk), release, nil
			})
		})
	}
	return g
}

func (g *gatedTrack) Enabled() bool      { return g.enabled.Load() }
func (g *gatedTrack) SetEnabled(on bool) { g.enabled.Store(on) }
func (g *gatedTrack) Stop()              { _ = g.Track.Close() }

func blank(img image.Image) image.Image {
	if y, ok := img.(*image.YCbCr); ok {
		b := image.NewYCbCr(y.Rect, y.SubsampleRatio)
		for i := range b.Cb {
			b.Cb[i] = 128
		}
		for i := range b.Cr {
			b.Cr[i] = 128
		}
		return b
	}
	return image.NewRGBA(img.Bounds())
}

func silence(a wave.Audio) wave.Audio {
	switch a.(type) {
	case *wave.Int16Interleaved:
		return wave.NewInt16Interleaved(a.ChunkInfo())
	case *wave.Float32Interleaved:
		return wave.NewFloat32Interleaved(a.ChunkInfo())
	}
	return a
}
