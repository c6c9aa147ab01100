package security

// Policy is the minimum security level a classic channel user demands
// before the channel may be used.
type Policy int

const (
	// PolicyBestEffort accepts whatever the link currently provides but
	// attempts to raise it to encrypted if possible.
	PolicyBestEffort Policy = iota
	// PolicySdpOnlyNoSecurity never triggers pairing.
	PolicySdpOnlyNoSecurity
	PolicyEncryptedTransport
	PolicyAuthenticatedEncryptedTransport
)

func (p Policy) String() string {
	switch p {
	case PolicyBestEffort:
		return "best-effort"
	case PolicySdpOnlyNoSecurity:
		return "sdp-only-no-security"
	case PolicyEncryptedTransport:
		return "encrypted-transport"
	case PolicyAuthenticatedEncryptedTransport:
		return "authenticated-encrypted-transport"
	}
	return "unknown"
}

// LePolicy mirrors Policy for the LE transport.
type LePolicy int

const (
	LePolicyNoSecurity LePolicy = iota
	LePolicyEncryptedTransport
	LePolicyAuthenticatedEncryptedTransport
)

// PolicyCallback resolves a policy query. Exactly one invocation per
// query, either inline or after a triggered pairing completes.
type PolicyCallback func(satisfied bool)
