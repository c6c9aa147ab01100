// Package record holds the durable security state for remote peers:
// per-peer bonding records and the file-backed store they are loaded
// from at startup.
package record

import (
	security "github.com/rigado/ble-security"
)

type BondState int

const (
	StateUnbonded BondState = iota
	StateBonding
	StateBonded
)

func (s BondState) String() string {
	switch s {
	case StateUnbonded:
		return "unbonded"
	case StateBonding:
		return "bonding"
	case StateBonded:
		return "bonded"
	}
	return "unknown"
}

// SecurityRecord is the bonding state for one peer. Records are
// created on the first bonding attempt or loaded from the store at
// init, and mutated only by the security manager.
type SecurityRecord struct {
	Peer  security.AddressWithType
	State BondState
	Keys  *security.KeyMaterial

	// IoCap and Authenticated describe how the credentials were
	// established; Encrypted is the transient link state.
	IoCap         security.IoCapability
	Authenticated bool
	Encrypted     bool
}

func NewRecord(peer security.AddressWithType) *SecurityRecord {
	return &SecurityRecord{Peer: peer, State: StateUnbonded}
}

// IsBonded reports whether the record carries valid credentials. A
// record is never in StateBonded without key material.
func (r *SecurityRecord) IsBonded() bool {
	return r.State == StateBonded && r.Keys != nil
}

// Satisfies reports whether the record currently meets a classic
// security policy.
func (r *SecurityRecord) Satisfies(policy security.Policy) bool {
	switch policy {
	case security.PolicySdpOnlyNoSecurity:
		return true
	case security.PolicyBestEffort:
		return true
	case security.PolicyEncryptedTransport:
		return r.IsBonded() && r.Encrypted
	case security.PolicyAuthenticatedEncryptedTransport:
		return r.IsBonded() && r.Encrypted && r.Authenticated
	}
	return false
}

// SatisfiesLe reports whether the record currently meets an LE
// security policy.
func (r *SecurityRecord) SatisfiesLe(policy security.LePolicy) bool {
	switch policy {
	case security.LePolicyNoSecurity:
		return true
	case security.LePolicyEncryptedTransport:
		return r.IsBonded() && r.Encrypted
	case security.LePolicyAuthenticatedEncryptedTransport:
		return r.IsBonded() && r.Encrypted && r.Authenticated
	}
	return false
}
