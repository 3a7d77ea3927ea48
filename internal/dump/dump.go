// Package dump pretty-prints negotiated connection state for
// LogLevelDebug diagnostics. It exists so a developer staring at
// LogLevelDebug output sees a readable struct dump of what IDENTIFY
// actually negotiated, rather than a single-line %+v.
package dump

import (
	"github.com/k0kubun/pp"
)

// Struct renders v using pp's colorized, multi-line struct formatting and
// returns it as a string suitable for a single logger.Output call.
func Struct(label string, v interface{}) string {
	return label + ":\n" + pp.Sprint(v)
}
