package security

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressType tags an Address with the namespace it belongs to.
// Classic links always use the public BR/EDR address; LE links may use
// either a public or a random (possibly resolvable) address.
type AddressType byte

const (
	AddressTypeClassic AddressType = iota
	AddressTypeLePublic
	AddressTypeLeRandom
)

func (t AddressType) String() string {
	switch t {
	case AddressTypeClassic:
		return "classic"
	case AddressTypeLePublic:
		return "le-public"
	case AddressTypeLeRandom:
		return "le-random"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Address is a peer device address in "aa:bb:cc:dd:ee:ff" form.
type Address string

// NewAddress normalizes s into an Address.
func NewAddress(s string) Address {
	return Address(strings.ToLower(s))
}

func (a Address) String() string {
	return string(a)
}

// Bytes returns the big-endian byte form of the address, or nil if the
// address is malformed.
func (a Address) Bytes() []byte {
	hexStr := strings.Replace(string(a), ":", "", -1)
	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil
	}
	return out
}

// AddressWithType is the peer identity used as the key for every
// per-peer table in the security manager.
type AddressWithType struct {
	Address Address
	Type    AddressType
}

func NewAddressWithType(s string, t AddressType) AddressWithType {
	return AddressWithType{Address: NewAddress(s), Type: t}
}

func (a AddressWithType) String() string {
	return fmt.Sprintf("%s[%s]", a.Address, a.Type)
}

// IsLe reports whether the address belongs to the LE namespace.
func (a AddressWithType) IsLe() bool {
	return a.Type == AddressTypeLePublic || a.Type == AddressTypeLeRandom
}
