package send

import "strings"

// transientFaults are the error signatures the client produces when its
// connection or execution context breaks briefly. Anything else is fatal.
var transientFaults = []string{
	"execution context was destroyed",
	"evaluation failed",
	"protocol error",
	"target closed",
	"session closed",
	"cannot read properties of undefined",
	"websocket not connected",
	"info query timed out",
	"websocket disconnected before info query returned response",
}

// IsTransient reports whether err matches a known transient fault.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientFaults {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
