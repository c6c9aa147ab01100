package smp

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/wsddn/go-ecdh"

	"github.com/rigado/ble-security/sliceops"
)

// ECDHKeys is the local P-256 key pair used for LE secure connections.
type ECDHKeys struct {
	Public  crypto.PublicKey
	Private crypto.PrivateKey
}

func GenerateKeys() (*ECDHKeys, error) {
	var err error
	kp := ECDHKeys{}
	e := ecdh.NewEllipticECDH(elliptic.P256())

	kp.Private, kp.Public, err = e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &kp, nil
}

// UnmarshalPublicKey parses the 64-byte wire form (little-endian X
// then Y) of a peer public key.
func UnmarshalPublicKey(b []byte) (crypto.PublicKey, bool) {
	if len(b) != 64 {
		return nil, false
	}

	e := ecdh.NewEllipticECDH(elliptic.P256())
	xs := sliceops.SwapBuf(b[:32])
	ys := sliceops.SwapBuf(b[32:])

	//add the uncompressed-point header
	r := append([]byte{0x04}, xs...)
	r = append(r, ys...)

	return e.Unmarshal(r)
}

// MarshalPublicKeyXY returns the 64-byte wire form of k.
func MarshalPublicKeyXY(k crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(k)
	ba = ba[1:] //remove header
	x := sliceops.SwapBuf(ba[:32])
	y := sliceops.SwapBuf(ba[32:])

	return append(x, y...)
}

// MarshalPublicKeyX returns only the little-endian X coordinate.
func MarshalPublicKeyX(k crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(k)
	ba = ba[1:] //remove header

	return sliceops.SwapBuf(ba[:32])
}

// GenerateSecret computes the little-endian shared DH key.
func GenerateSecret(prv crypto.PrivateKey, pub crypto.PublicKey) ([]byte, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	b, err := e.GenerateSharedSecret(prv, pub)
	return sliceops.SwapBuf(b), err
}
