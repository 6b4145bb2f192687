package domain

import "github.com/google/uuid"

// NewSessionID mints a fresh SessionID for a PeerSession's negotiation
// lifetime, following the same uuid.New().String() pattern used for
// generating identity strings elsewhere in this codebase.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}
