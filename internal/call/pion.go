package call

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guestcall/internal/metrics"
)

// PlatformConfig tunes capture and the WebRTC API.
type PlatformConfig struct {
	VideoBitRate int
	PreferredCam string
	PreferredMic string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	PionLogLevel string
}

// Platform pairs capture with peer connection construction; both sides must
// agree on codecs.
type Platform struct {
	Devices Devices
	Factory PeerConnectionFactory
}

const keyframeInterval = 3 * time.Second

type pionFactory struct {
	api *webrtc.API
}

func newPionFactory(me *webrtc.MediaEngine, cfg PlatformConfig) (*pionFactory, error) {
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// A relay path can drop out for a few seconds during failover. Keep the
	// call alive through that instead of the 5s default.
	se := webrtc.SettingEngine{LoggerFactory: newPionLoggers(cfg.PionLogLevel)}
	disc, failed, keep := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disc == 0 {
		disc = 30 * time.Second
	}
	if failed == 0 {
		failed = 120 * time.Second
	}
	if keep == 0 {
		keep = 2 * time.Second
	}
	se.SetICETimeouts(disc, failed, keep)

	return &pionFactory{api: webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)}, nil
}

func (f *pionFactory) NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	addRecvOnlyTransceivers(pc)
	return &pionConn{pc: pc, done: make(chan struct{})}, nil
}

// addRecvOnlyTransceivers keeps audio and video m-lines in every offer even
// without local media. AddTrack later reuses them for sending.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("CALL: AddTransceiver(%s) error: %v", kind, err)
		}
	}
}

// pionConn adapts *webrtc.PeerConnection. Remote tracks are read to the end
// so their buffers never fill, and remote video gets periodic PLIs.
type pionConn struct {
	pc        *webrtc.PeerConnection
	done      chan struct{}
	closeOnce sync.Once
}

func (c *pionConn) AddTrack(t LocalTrack) (*webrtc.RTPSender, error) { return c.pc.AddTrack(t) }
func (c *pionConn) RemoveTrack(s *webrtc.RTPSender) error           { return c.pc.RemoveTrack(s) }

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error)  { return c.pc.CreateOffer(nil) }
func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) { return c.pc.CreateAnswer(nil) }

func (c *pionConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *pionConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *pionConn) LocalDescription() *webrtc.SessionDescription  { return c.pc.LocalDescription() }
func (c *pionConn) RemoteDescription() *webrtc.SessionDescription { return c.pc.RemoteDescription() }

func (c *pionConn) AddICECandidate(ci webrtc.ICECandidateInit) error { return c.pc.AddICECandidate(ci) }

func (c *pionConn) OnLocalCandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			fn(nil)
			return
		}
		init := ic.ToJSON()
		fn(&init)
	})
}

func (c *pionConn) OnRemoteTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go c.drain(tr)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go c.requestKeyframes(tr)
		}
		fn(RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: tr.Kind()})
	})
}

func (c *pionConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(fn)
}

func (c *pionConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.pc.Close()
}

func (c *pionConn) drain(tr *webrtc.TrackRemote) {
	kind := tr.Kind().String()
	var (
		pkt     *rtp.Packet
		err     error
		lastSeq uint16
		seen    bool
	)
	for {
		pkt, _, err = tr.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("CALL: remote %s track %s ended: %v", kind, tr.ID(), err)
			}
			return
		}
		if seen {
			if gap := pkt.SequenceNumber - lastSeq - 1; gap > 0 && gap < 1<<15 {
				metrics.RemoteRTPLostTotal.WithLabelValues(kind).Add(float64(gap))
			}
		}
		lastSeq, seen = pkt.SequenceNumber, true
		metrics.RemoteRTPPacketsTotal.WithLabelValues(kind).Inc()
		metrics.RemoteRTPBytesTotal.WithLabelValues(kind).Add(float64(len(pkt.Payload)))
	}
}

func (c *pionConn) requestKeyframes(tr *webrtc.TrackRemote) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			})
			if err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				log.Debugf("CALL: PLI for %s: %v", tr.ID(), err)
				continue
			}
			metrics.KeyframeRequestsTotal.Inc()
		}
	}
}
