package gate

// HandshakeState tracks one connection attempt through the gate.
type HandshakeState int

const (
	// StateArrived is the initial state of every attempt.
	StateArrived HandshakeState = iota
	// StateDenied means the attempt was rejected with a reason.
	StateDenied
	// StateVerifying means the external authority call is in flight.
	StateVerifying
	// StateVerifiedAccept means the authority confirmed the identity.
	StateVerifiedAccept
	// StateVerifyFailedFallback means the authority was unreachable and
	// the attempt continues on the unverified path.
	StateVerifyFailedFallback
	// StateAccepted means an unverified attempt was admitted normally.
	StateAccepted
)

func (s HandshakeState) String() string {
	switch s {
	case StateArrived:
		return "arrived"
	case StateDenied:
		return "denied"
	case StateVerifying:
		return "verifying"
	case StateVerifiedAccept:
		return "verified_accept"
	case StateVerifyFailedFallback:
		return "verify_failed_fallback"
	case StateAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}
