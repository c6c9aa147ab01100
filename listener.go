package security

// Listener receives bonding outcomes and encryption-state transitions.
// Each listener is bound to its own execution context; callbacks are
// posted there, never invoked inline from the security manager.
type Listener interface {
	OnDeviceBonded(peer AddressWithType)
	OnDeviceBondFailed(peer AddressWithType, reason FailureReason)
	OnDeviceUnbonded(peer AddressWithType)
	OnEncryptionStateChanged(peer AddressWithType, encrypted bool)
}

// UI renders pairing prompts to the user. The security manager is the
// sole holder of the active prompt's target peer; replies for any other
// peer are dropped as stale.
type UI interface {
	DisplayPairingPrompt(peer AddressWithType)
	DisplayConfirmValue(peer AddressWithType, value uint32)
	DisplayYesNoDialog(peer AddressWithType)
	DisplayPasskeyEntry(peer AddressWithType)
	DisplayPasskey(peer AddressWithType, passkey uint32)
	CancelPrompt(peer AddressWithType)
}
