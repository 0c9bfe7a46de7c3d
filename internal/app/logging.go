package app

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guestcall/internal/config"
	"github.com/petervdpas/guestcall/internal/viewer"
)

var log = logging.Logger("app")

// setupLogging routes every go-log subsystem to stderr and into buf. The
// returned func detaches buf.
func setupLogging(c config.Log, buf *viewer.LogBuffer) (stop func()) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		lvl = logging.LevelInfo
	}
	logging.SetupLogging(logging.Config{
		Format: logging.PlaintextOutput,
		Stderr: true,
		Level:  lvl,
	})
	applyLogLevels(c)

	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go buf.Follow(pr)
	return func() { _ = pr.Close() }
}

func applyLogLevels(c config.Log) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		log.Warnf("APP: log.level %q: %v", c.Level, err)
		return
	}
	logging.SetAllLoggers(lvl)
	for name, l := range c.Subsystems {
		if err := logging.SetLogLevel(name, l); err != nil {
			log.Warnf("APP: log.subsystems[%s] %q: %v", name, l, err)
		}
	}
}
