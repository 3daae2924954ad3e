package tunnel

import "github.com/matst80/relaygate/internal/obs"

// Aborter is told about sessions that ended on an unrecoverable fault.
type Aborter interface {
	AbortSession(sessionID, stepID, reason string)
}

// AbortFunc adapts a function to Aborter.
type AbortFunc func(sessionID, stepID, reason string)

func (f AbortFunc) AbortSession(sessionID, stepID, reason string) { f(sessionID, stepID, reason) }

// LogAborter only records the abort.
type LogAborter struct{}

func (LogAborter) AbortSession(sessionID, stepID, reason string) {
	obs.Warn("tunnel.abort", obs.Fields{"session": sessionID, "step": stepID, "reason": reason})
}
