package smp

// SMP command codes, Core spec Vol 3, Part H, 3.3.
const (
	OpPairingRequest          = 0x01 // Pairing Request LE-U, ACL-U
	OpPairingResponse         = 0x02 // Pairing Response LE-U, ACL-U
	OpPairingConfirm          = 0x03 // Pairing Confirm LE-U
	OpPairingRandom           = 0x04 // Pairing Random LE-U
	OpPairingFailed           = 0x05 // Pairing Failed LE-U, ACL-U
	OpEncryptionInformation   = 0x06 // Encryption Information LE-U
	OpCentralIdentification   = 0x07 // Central Identification LE-U
	OpIdentityInformation     = 0x08 // Identity Information LE-U, ACL-U
	OpIdentityAddrInformation = 0x09 // Identity Address Information LE-U, ACL-U
	OpSigningInformation      = 0x0A // Signing Information LE-U, ACL-U
	OpSecurityRequest         = 0x0B // Security Request LE-U
	OpPairingPublicKey        = 0x0C // Pairing Public Key LE-U
	OpPairingDHKeyCheck       = 0x0D // Pairing DHKey Check LE-U
	OpPairingKeypress         = 0x0E // Pairing Keypress Notification LE-U
)

// Pairing Failed reason codes, Core spec Vol 3, Part H, 3.5.5, Table 3.7.
const (
	ReasonPasskeyEntryFailed  = 0x01
	ReasonOobNotAvailable     = 0x02
	ReasonAuthRequirements    = 0x03
	ReasonConfirmValueFailed  = 0x04
	ReasonPairingNotSupported = 0x05
	ReasonEncryptionKeySize   = 0x06
	ReasonCommandNotSupported = 0x07
	ReasonUnspecified         = 0x08
	ReasonRepeatedAttempts    = 0x09
	ReasonInvalidParameters   = 0x0A
	ReasonDHKeyCheckFailed    = 0x0B
	ReasonNumericCompFailed   = 0x0C
)

var FailedReasonStrings = []string{
	"reserved",
	"passkey entry failed",
	"oob not available",
	"authentication requirements",
	"confirm value failed",
	"pairing not supported",
	"encryption key size",
	"command not supported",
	"unspecified reason",
	"repeated attempts",
	"invalid parameters",
	"dhkey check failed",
	"numeric comparison failed",
	"BR/EDR pairing in progress",
	"cross-transport key derivation not allowed",
}

// Method is the authentication method selected from the exchanged
// pairing features.
type Method int

const (
	JustWorks Method = iota
	NumericComp
	Passkey
	Oob
)

var methodStrings = map[Method]string{
	JustWorks:   "just works",
	NumericComp: "numeric comparison",
	Passkey:     "passkey entry",
	Oob:         "out of band",
}

func (m Method) String() string {
	if s, ok := methodStrings[m]; ok {
		return s
	}
	return "unknown"
}

const PasskeyIterationCount = 20
