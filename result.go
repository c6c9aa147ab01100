package security

import "fmt"

// KeyMaterial is the credential set produced by a completed pairing.
// Classic pairing yields a link key; LE pairing yields a long-term key
// with its encryption diversifier and random value (legacy) or an LTK
// alone (secure connections).
type KeyMaterial struct {
	LinkKey     []byte
	LongTermKey []byte
	EDiv        uint16
	Rand        uint64
	Legacy      bool
}

// FailureReason is the typed cause carried by every failed negotiation.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureProtocolError
	FailureAuthenticationFailure
	FailureConfirmMismatch
	FailureNumericComparisonRejected
	FailurePairingNotSupported
	FailureOobNotAvailable
	FailureLinkLoss
	FailureTimeout
	FailureCancelled
)

var failureReasonStrings = map[FailureReason]string{
	FailureNone:                      "none",
	FailureProtocolError:             "protocol error",
	FailureAuthenticationFailure:     "authentication failure",
	FailureConfirmMismatch:           "confirm value mismatch",
	FailureNumericComparisonRejected: "numeric comparison rejected",
	FailurePairingNotSupported:       "pairing not supported",
	FailureOobNotAvailable:           "oob data not available",
	FailureLinkLoss:                  "link loss",
	FailureTimeout:                   "timeout",
	FailureCancelled:                 "cancelled",
}

func (r FailureReason) String() string {
	if s, ok := failureReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// PairingResult is the single terminal outcome of one negotiation,
// delivered exactly once per pairing handler.
type PairingResult struct {
	Peer          AddressWithType
	Keys          *KeyMaterial
	Authenticated bool
	Failure       FailureReason
}

// Failed reports whether the negotiation ended without credentials.
func (r PairingResult) Failed() bool {
	return r.Failure != FailureNone
}

func SuccessResult(peer AddressWithType, keys *KeyMaterial, authenticated bool) PairingResult {
	return PairingResult{Peer: peer, Keys: keys, Authenticated: authenticated}
}

func FailureResult(peer AddressWithType, reason FailureReason) PairingResult {
	return PairingResult{Peer: peer, Failure: reason}
}
