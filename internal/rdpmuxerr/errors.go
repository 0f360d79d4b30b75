// Package rdpmuxerr defines the abstract error kinds RDPMux's error
// handling design is built around (spec §7): Transport, Protocol,
// Resource, State and Fatal. Callers wrap one of these sentinels with
// fmt.Errorf("%w: detail", ...) and test with errors.Is, the same
// propagation-by-kind the spec's table describes.
package rdpmuxerr

import "errors"

var (
	// ErrTransport covers socket or shared-memory operation failures.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers malformed payloads, unknown tags, version mismatches.
	ErrProtocol = errors.New("protocol error")
	// ErrResource covers exhaustion: out of ports, allocation failure.
	ErrResource = errors.New("resource error")
	// ErrState covers unknown UUID, unknown method, inactive peer.
	ErrState = errors.New("state error")
	// ErrFatal covers initialization failures at startup.
	ErrFatal = errors.New("fatal error")
)
