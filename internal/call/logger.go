package call

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"
	pionlog "github.com/pion/logging"
)

// pionLoggers routes pion's internal logging into go-log under "pion/<scope>".
type pionLoggers struct {
	level pionlog.LogLevel
}

func newPionLoggers(level string) pionLoggers {
	return pionLoggers{level: parsePionLevel(level)}
}

func parsePionLevel(s string) pionlog.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return pionlog.LogLevelDisabled
	case "error":
		return pionlog.LogLevelError
	case "info":
		return pionlog.LogLevelInfo
	case "debug":
		return pionlog.LogLevelDebug
	case "trace":
		return pionlog.LogLevelTrace
	}
	return pionlog.LogLevelWarn
}

func (f pionLoggers) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{l: logging.Logger("pion/" + scope), level: f.level}
}

type pionLogger struct {
	l     *logging.ZapEventLogger
	level pionlog.LogLevel
}

func (p *pionLogger) on(l pionlog.LogLevel) bool { return p.level >= l }

func (p *pionLogger) Trace(msg string) {
	if p.on(pionlog.LogLevelTrace) {
		p.l.Debug(msg)
	}
}

func (p *pionLogger) Tracef(format string, args ...interface{}) {
	if p.on(pionlog.LogLevelTrace) {
		p.l.Debugf(format, args...)
	}
}

func (p *pionLogger) Debug(msg string) {
	if p.on(pionlog.LogLevelDebug) {
		p.l.Debug(msg)
	}
}

func (p *pionLogger) Debugf(format string, args ...interface{}) {
	if p.on(pionlog.LogLevelDebug) {
		p.l.Debugf(format, args...)
	}
}

func (p *pionLogger) Info(msg string) {
	if p.on(pionlog.LogLevelInfo) {
		p.l.Info(msg)
	}
}

func (p *pionLogger) Infof(format string, args ...interface{}) {
	if p.on(pionlog.LogLevelInfo) {
		p.l.Infof(format, args...)
	}
}

func (p *pionLogger) Warn(msg string) {
	if p.on(pionlog.LogLevelWarn) {
		p.l.Warn(msg)
	}
}

func (p *pionLogger) Warnf(format string, args ...interface{}) {
	if p.on(pionlog.LogLevelWarn) {
		p.l.Warnf(format, args...)
	}
}

func (p *pionLogger) Error(msg string) {
	if p.on(pionlog.LogLevelError) {
		p.l.Error(msg)
	}
}

func (p *pionLogger) Errorf(format string, args ...interface{}) {
	if p.on(pionlog.LogLevelError) {
		p.l.Errorf(format, args...)
	}
}
