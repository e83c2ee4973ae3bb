package wire

import (
	"fmt"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// Result is the outcome of one request as reported by the peer
type Result int

const (
	// ResultAck is the empty reply to ping, pong and command messages
	ResultAck Result = iota
	// ResultInjected means the value was written to the remote store
	ResultInjected
	// ResultReceived means the value was accepted but is held back; a
	// valueInjected or valueRejected command follows
	ResultReceived
	// ResultRejected means the value was dropped
	ResultRejected
	// ResultTimeout means no reply arrived in time. It never appears on
	// the wire.
	ResultTimeout
)

// String returns the wire token of r
func (r Result) String() string {
	switch r {
	case ResultAck:
		return ""
	case ResultInjected:
		return "INJECTED"
	case ResultReceived:
		return "RECEIVED"
	case ResultRejected:
		return "REJECTED"
	case ResultTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Label returns a non-empty name for logs and metric labels
func (r Result) Label() string {
	if r == ResultAck {
		return "ACK"
	}
	return r.String()
}

// ParseResult converts a wire token into a Result
func ParseResult(s string) (Result, error) {
	switch s {
	case "":
		return ResultAck, nil
	case "INJECTED":
		return ResultInjected, nil
	case "RECEIVED":
		return ResultReceived, nil
	case "REJECTED":
		return ResultRejected, nil
	case "TIMEOUT":
		return ResultTimeout, nil
	default:
		return ResultRejected, errors.WrapInvalid(fmt.Errorf("%w: unknown reply %q", errors.ErrProtocol, s),
			"wire", "ParseResult", "parse reply")
	}
}
