package domain

import "errors"

// Sentinel errors for the voice core's error taxonomy. Callers wrap these
// with fmt.Errorf("...: %w", ...) to attach context.
var (
	ErrTransportDisconnected = errors.New("signalling transport disconnected")
	ErrPeerConnectionBuild   = errors.New("peer connection construction failed")
	ErrNegotiationFailed     = errors.New("negotiation step failed")
	ErrDecoderExitedEmpty    = errors.New("decoder exited without producing frames")
	ErrDecoderSpawnFailed    = errors.New("decoder failed to spawn")
	ErrDecoderFileMissing    = errors.New("decoder input file missing")
	ErrCapacityExceeded      = errors.New("peer capacity exceeded")
	ErrAlreadyActive         = errors.New("peer already active")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrNoMediaSource         = errors.New("no active media source")
	ErrChannelMismatch       = errors.New("event channel id does not match local channel")
)
