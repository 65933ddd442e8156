package postoffice

import "errors"

// Error kinds shared across the bus and its transports.
var (
	// ErrInvalidArgument covers a nil callback, a zero-length channel or
	// pattern name, filter 0, or any other caller contract breach.
	ErrInvalidArgument = errors.New("postoffice: invalid argument")

	// ErrProtocolOverflow is returned by the cluster codec when a frame's
	// declared length exceeds the configured maximum; kept here so
	// dispatcher and cluster share one error identity.
	ErrProtocolOverflow = errors.New("postoffice: protocol frame too large")

	// ErrInactiveCluster is returned when a SIBLINGS- or CLUSTER-scoped
	// publish is attempted with no cluster link configured. A ROOT-scoped
	// publish with no link is delivered locally instead.
	ErrInactiveCluster = errors.New("postoffice: no active cluster link")
)
