package security

// Event is a link-level HCI event on the classic transport. The wire
// decoding happens in the protocol-packet collaborator; these carry the
// already-decoded fields the security manager acts on.
type Event interface {
	EventAddress() Address
}

type LinkKeyRequest struct {
	Addr Address
}

type IoCapabilityRequest struct {
	Addr Address
}

type IoCapabilityResponse struct {
	Addr    Address
	IoCap   IoCapability
	OobData OobDataPresent
	AuthReq AuthRequirements
}

type UserConfirmationRequest struct {
	Addr         Address
	NumericValue uint32
}

type UserPasskeyRequest struct {
	Addr Address
}

type UserPasskeyNotification struct {
	Addr    Address
	Passkey uint32
}

type SimplePairingComplete struct {
	Addr Address
	// Status is zero on success, an HCI error code otherwise.
	Status byte
}

type LinkKeyNotification struct {
	Addr    Address
	Key     []byte
	KeyType byte
}

type AuthenticationComplete struct {
	Addr   Address
	Status byte
}

type EncryptionChange struct {
	Addr    Address
	Enabled bool
}

func (e LinkKeyRequest) EventAddress() Address          { return e.Addr }
func (e IoCapabilityRequest) EventAddress() Address     { return e.Addr }
func (e IoCapabilityResponse) EventAddress() Address    { return e.Addr }
func (e UserConfirmationRequest) EventAddress() Address { return e.Addr }
func (e UserPasskeyRequest) EventAddress() Address      { return e.Addr }
func (e UserPasskeyNotification) EventAddress() Address { return e.Addr }
func (e SimplePairingComplete) EventAddress() Address   { return e.Addr }
func (e LinkKeyNotification) EventAddress() Address     { return e.Addr }
func (e AuthenticationComplete) EventAddress() Address  { return e.Addr }
func (e EncryptionChange) EventAddress() Address        { return e.Addr }

// LeEvent is an LE meta sub-event.
type LeEvent interface {
	EventPeer() AddressWithType
}

type LeEncryptionChange struct {
	Peer      AddressWithType
	Handle    uint16
	Encrypted bool
}

type LeLongTermKeyRequest struct {
	Peer   AddressWithType
	Handle uint16
}

func (e LeEncryptionChange) EventPeer() AddressWithType   { return e.Peer }
func (e LeLongTermKeyRequest) EventPeer() AddressWithType { return e.Peer }
