package nsq

import (
	"log"

	"github.com/mattn/go-colorable"
)

// LogLevel specifies the minimum severity a logger implementation should
// emit. It mirrors the levels the real go-nsq clients expose via
// SetLoggerLevel, gating everything from per-frame debug chatter down to
// fatal connection failures.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarning
	LogLevelError
)

func (lvl LogLevel) String() string {
	switch lvl {
	case LogLevelDebug:
		return "DBG"
	case LogLevelInfo:
		return "INF"
	case LogLevelWarning:
		return "WRN"
	case LogLevelError:
		return "ERR"
	default:
		return "???"
	}
}

// logger is satisfied by *log.Logger, which is what every caller in the
// retrieved pack hands a client library (e.g. encoredev-encore wraps
// zerolog behind the same shape). Keeping the interface this narrow lets
// any structured logger adapt to it with a single method.
type logger interface {
	Output(calldepth int, s string) error
}

// newDefaultLogger returns the logger used when a Config's owner never
// calls SetLogger: a stdlib *log.Logger writing to a colorable stderr, so
// ANSI-colored prefixes (as used by the teacher's CLI-adjacent tooling,
// e.g. Gh0st0ne-netcap's transform commands) survive on Windows consoles.
func newDefaultLogger() logger {
	return log.New(colorable.NewColorableStderr(), "", log.Ldate|log.Ltime|log.Lmicroseconds)
}
