// Package errors implements the three-class error model used by flux-mcf.
//
// # Classification
//
//   - Transient: reply timeouts, lost connections, temporary unavailability.
//     The bridge recovers from these through its heartbeat.
//   - Invalid: protocol violations, rejected values, unknown value types,
//     serialization mismatches. The offending message is dropped.
//   - Fatal: bad configuration and corrupted data.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: cause":
//
//	if err := enc.Encode(hdr); err != nil {
//	    return errors.WrapInvalid(err, "Writer", "Write", "encode envelope")
//	}
//
// Sentinels stay reachable through errors.Is on the wrapped chain:
//
//	if errors.Is(err, errors.ErrConnectionTimeout) {
//	    tracker.SendingTimeout()
//	}
package errors
