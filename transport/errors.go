package transport

import "errors"

var (
	ErrInvalidArgument = errors.New("transport: invalid argument")
	errInvalidFrame    = errors.New("transport: invalid frame")

	ErrBadDstAddr    = errors.New("transport: bad destination address on frame")
	ErrNoMatchingSub = errors.New("transport: no matching subscription")
	ErrTransferKind  = errors.New("transport: undefined transfer kind")

	// ErrPassiveMode is returned when a send is refused because the local node has
	// not yet been assigned a node ID.
	ErrPassiveMode = errors.New("transport: send refused, node is in passive mode")
	// ErrMemory is returned when the outgoing-transfer registry cannot allocate a
	// new entry. Fatal for the in-flight transfer only, not for the system.
	ErrMemory = errors.New("transport: outgoing transfer registry exhausted")
	// ErrLogic signals an internal invariant violation.
	ErrLogic = errors.New("transport: internal logic error")

	ErrAVLNodeNotFound = errors.New("transport: avl node not found")
	ErrAVLNilRoot      = errors.New("transport: avl nil root")

	// ErrProtocolViolation is returned when a received frame breaks the
	// toggle/TID/timeout rules for the session it claims to continue.
	ErrProtocolViolation = errors.New("transport: protocol violation in frame sequence")

	// ErrDriverFailure wraps any error a FrameSink returns from Send: the
	// transfer in progress is abandoned, but the failure is local to that
	// transfer, not fatal to the sender.
	ErrDriverFailure = errors.New("transport: CAN driver send failed")
)
