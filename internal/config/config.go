package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/guestcall/internal/util"
)

// FileName is the config file inside a guest profile directory.
const FileName = "guestcall.json"

type Config struct {
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Storage   Storage   `json:"storage"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Signaling struct {
	// Websocket URL of the call service, e.g. "wss://calls.example.org/ws".
	URL                 string `json:"url"`
	Event               string `json:"event"`
	HandshakeTimeoutSec int    `json:"handshake_timeout_seconds"`
	// Bearer token sent on the websocket handshake. Empty sends none.
	Token string `json:"token"`
}

type Call struct {
	// Scheduled call this guest joins. Can be overridden on the command line.
	CallID string `json:"call_id"`

	// What to do with remote ICE candidates that arrive before the remote
	// description: "buffer" queues and replays them, "apply" hands them to
	// the peer connection immediately.
	CandidatePolicy string `json:"candidate_policy"`
}

type ICE struct {
	STUNURLs   []string `json:"stun_urls"`
	TURNURLs   []string `json:"turn_urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveSec           int `json:"keepalive_seconds"`
}

type Media struct {
	MinHeight   int `json:"min_height"`
	IdealHeight int `json:"ideal_height"`
	MaxHeight   int `json:"max_height"`

	// VP8 target bitrate in bits per second.
	VideoBitRate int    `json:"video_bitrate"`
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
}

type Storage struct {
	// Directory holding session.db, relative to the profile dir. Empty keeps
	// session state in memory only.
	Dir string `json:"dir"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	LogLines int    `json:"log_lines"`
}

type Log struct {
	Level     string `json:"level"`
	PionLevel string `json:"pion_level"`

	// Per-logger overrides, e.g. {"signaling": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

const (
	CandidatesBuffer = "buffer"
	CandidatesApply  = "apply"
)

func Default() Config {
	return Config{
		Signaling: Signaling{
			Event:               "scheduled-one-to-one-call",
			HandshakeTimeoutSec: 10,
		},
		Call: Call{
			CandidatePolicy: CandidatesBuffer,
		},
		ICE: ICE{
			STUNURLs: []string{"stun:global.stun.twilio.com:3478?transport=udp"},
			TURNURLs: []string{
				"turn:global.turn.twilio.com:3478?transport=udp",
				"turn:global.turn.twilio.com:3478?transport=tcp",
				"turn:global.turn.twilio.com:443?transport=tcp",
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveSec:           2,
		},
		Media: Media{
			MinHeight:    360,
			IdealHeight:  720,
			MaxHeight:    1080,
			VideoBitRate: 1_500_000,
		},
		Storage: Storage{
			Dir: ".",
		},
		Viewer: Viewer{
			HTTPAddr: "",
			LogLines: 500,
		},
		Log: Log{
			Level:     "info",
			PionLevel: "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Signaling
	if u := strings.TrimSpace(c.Signaling.URL); u != "" {
		if err := validateSignalingURL(u); err != nil {
			return fmt.Errorf("signaling.url: %w", err)
		}
	}
	if strings.TrimSpace(c.Signaling.Event) == "" {
		return errors.New("signaling.event is required")
	}
	if c.Signaling.HandshakeTimeoutSec < 0 {
		return errors.New("signaling.handshake_timeout_seconds must be >= 0")
	}

	// Call
	switch c.Call.CandidatePolicy {
	case CandidatesBuffer, CandidatesApply:
	default:
		return fmt.Errorf("call.candidate_policy must be %q or %q", CandidatesBuffer, CandidatesApply)
	}

	// ICE
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun url", u)
		}
	}
	for _, u := range c.ICE.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("ice.turn_urls: %q is not a turn url", u)
		}
	}
	if c.ICE.DisconnectedTimeoutSec < 0 || c.ICE.FailedTimeoutSec < 0 || c.ICE.KeepAliveSec < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	// Media
	m := c.Media
	if m.MinHeight < 0 || m.IdealHeight < 0 || m.MaxHeight < 0 {
		return errors.New("media heights must be >= 0")
	}
	if m.MaxHeight > 0 && (m.MinHeight > m.MaxHeight || m.IdealHeight > m.MaxHeight) {
		return errors.New("media.min_height and media.ideal_height must not exceed media.max_height")
	}
	if m.VideoBitRate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Viewer
	if c.Viewer.LogLines < 0 {
		return errors.New("viewer.log_lines must be >= 0")
	}

	return nil
}

// Ready reports what is still missing before a guest can join.
func (c *Config) Ready() error {
	if strings.TrimSpace(c.Signaling.URL) == "" {
		return errors.New("signaling.url is not set")
	}
	if strings.TrimSpace(c.Call.CallID) == "" {
		return errors.New("call.call_id is not set")
	}
	return nil
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func (i ICE) Timeouts() (disconnected, failed, keepAlive time.Duration) {
	return time.Duration(i.DisconnectedTimeoutSec) * time.Second,
		time.Duration(i.FailedTimeoutSec) * time.Second,
		time.Duration(i.KeepAliveSec) * time.Second
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
