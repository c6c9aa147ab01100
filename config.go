package security

// IoCapability is the declared local input/output affordance used to
// select a pairing authentication method.
type IoCapability byte

const (
	IoCapDisplayOnly IoCapability = iota
	IoCapDisplayYesNo
	IoCapKeyboardOnly
	IoCapNoInputNoOutput
	IoCapKeyboardDisplay

	// IoCapsReservedStart marks the first reserved value; anything at or
	// above it falls back to just-works.
	IoCapsReservedStart
)

// AuthRequirements describes the classic-transport authentication mode.
type AuthRequirements byte

const (
	AuthNoBonding AuthRequirements = iota
	AuthNoBondingMitm
	AuthDedicatedBonding
	AuthDedicatedBondingMitm
	AuthGeneralBonding
	AuthGeneralBondingMitm
)

// Mitm reports whether man-in-the-middle protection is required.
func (a AuthRequirements) Mitm() bool {
	return a == AuthNoBondingMitm || a == AuthDedicatedBondingMitm || a == AuthGeneralBondingMitm
}

// Bonding reports whether the negotiated keys should be persisted.
func (a AuthRequirements) Bonding() bool {
	return a >= AuthDedicatedBonding
}

// OobDataPresent signals whether out-of-band authentication data is
// available for the next negotiation.
type OobDataPresent byte

const (
	OobNotPresent OobDataPresent = iota
	OobPresent
)

// LE auth-req bit masks (SMP pairing request AuthReq octet).
const (
	LeAuthReqBondMask = byte(0x03)
	LeAuthReqBond     = byte(0x01)
	LeAuthReqMitm     = byte(0x04)
	LeAuthReqSc       = byte(0x08)
	LeAuthReqKeypress = byte(0x10)
)

// Defaults applied until the facade setters are called.
const (
	DefaultIoCapability   = IoCapDisplayYesNo
	DefaultAuthReq        = AuthGeneralBonding
	DefaultOobDataPresent = OobNotPresent

	DefaultLeIoCapability = IoCapNoInputNoOutput
)

// DefaultLeAuthReq requests bonding with MITM protection over secure
// connections.
const DefaultLeAuthReq = LeAuthReqBond | LeAuthReqMitm | LeAuthReqSc

// LeConfig is the SMP pairing-feature set offered on the next LE
// negotiation.
type LeConfig struct {
	IoCap       IoCapability
	OobFlag     OobDataPresent
	AuthReq     byte
	MaxKeySize  byte
	InitKeyDist byte
	RespKeyDist byte
}

func DefaultLeConfig() LeConfig {
	return LeConfig{
		IoCap:       DefaultLeIoCapability,
		OobFlag:     DefaultOobDataPresent,
		AuthReq:     DefaultLeAuthReq,
		MaxKeySize:  16,
		InitKeyDist: 0x01,
		RespKeyDist: 0x01,
	}
}

// AddressPolicy selects how the local LE initiator address is generated.
// Settable exactly once, as a test/diagnostic hook.
type AddressPolicy byte

const (
	AddressPolicyUsePublic AddressPolicy = iota
	AddressPolicyUseStatic
	AddressPolicyUseResolvable
	AddressPolicyUseNonResolvable
)
