package devmesh

import (
	"errors"

	"github.com/UofSSpaceTeam/robocluster/internal/wire"
)

// Sentinel errors returned by Member's public API. Wrapped errors should be
// unwrapped with errors.Is/errors.As rather than compared by string.
var (
	// ErrUnknownPeer is returned by Send/Request/Publish-adjacent calls
	// when the named peer has not been discovered within the discovery
	// grace window.
	ErrUnknownPeer = errors.New("devmesh: unknown peer")

	// ErrConnectionLost is returned to a pending Request, or from Send,
	// when the underlying TCP connection to the peer drops.
	ErrConnectionLost = errors.New("devmesh: connection lost")

	// ErrNameConflict is returned by the process supervisor when a
	// process entry name is already registered.
	ErrNameConflict = errors.New("devmesh: name already exists")

	// ErrProcessStartFailed wraps a failure to start a supervised process.
	ErrProcessStartFailed = errors.New("devmesh: process start failed")

	// ErrInvalidFrame aliases wire.ErrInvalidFrame so callers outside
	// internal/wire can still errors.Is against it.
	ErrInvalidFrame = wire.ErrInvalidFrame

	// ErrNotStarted is returned by calls that require Start to have run.
	ErrNotStarted = errors.New("devmesh: member not started")
)

// NoSuchEndpoint is the sentinel response value returned to a requester
// when the target endpoint has no registered handler.
const NoSuchEndpoint = "no such endpoint"
