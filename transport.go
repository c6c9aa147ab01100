package security

// FixedChannel is an open LE signaling channel supplied by the
// connection layer, used to carry SMP protocol messages. The security
// manager owns the registered dequeue sink and must release it with
// UnregisterDequeue before dropping the channel, otherwise the
// transport layer may invoke into freed state.
type FixedChannel interface {
	Peer() AddressWithType
	Handle() uint16
	Write(pdu []byte) (int, error)
	RegisterDequeue(sink func(pdu []byte))
	UnregisterDequeue()
	Close() error
}

// ChannelListener receives fixed-channel lifecycle callbacks from the
// connection layer. The security manager implements it; every callback
// is posted to the SM context before any state is touched.
type ChannelListener interface {
	OnConnectionOpenLe(ch FixedChannel)
	OnConnectionClosedLe(peer AddressWithType, err error)
	OnConnectionFailureLe(peer AddressWithType, err error)
}

// ChannelOpener is the connection-layer collaborator that opens LE
// fixed channels on demand.
type ChannelOpener interface {
	RegisterService(l ChannelListener) error
	ConnectTo(peer AddressWithType) error
}

// CommandChannel sends link-level security commands on the classic
// transport. Wire encoding is the collaborator's concern.
type CommandChannel interface {
	SendAuthenticationRequested(addr Address) error
	SendLinkKeyRequestReply(addr Address, linkKey []byte) error
	SendLinkKeyRequestNegativeReply(addr Address) error
	SendIoCapabilityReply(addr Address, io IoCapability, oob OobDataPresent, auth AuthRequirements) error
	SendUserConfirmationReply(addr Address, accept bool) error
	SendUserPasskeyReply(addr Address, passkey uint32, accept bool) error
}

// Encrypter controls link encryption. Encrypt starts encryption as the
// initiator; ProvideLongTermKey answers a controller long-term-key
// request on the responder side.
type Encrypter interface {
	Encrypt(peer AddressWithType, keys *KeyMaterial) error
	ProvideLongTermKey(peer AddressWithType, handle uint16, ltk []byte) error
}
