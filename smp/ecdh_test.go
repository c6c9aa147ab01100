package smp

import (
	"bytes"
	"testing"
)

func TestPublicKeyRoundTrip(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v\n", err)
	}

	wire := MarshalPublicKeyXY(keys.Public)
	if len(wire) != 64 {
		t.Fatalf("wire form length %d", len(wire))
	}

	pk, ok := UnmarshalPublicKey(wire)
	if !ok {
		t.Fatal("failed to unmarshal public key")
	}

	if !bytes.Equal(wire, MarshalPublicKeyXY(pk)) {
		t.Fatal("round trip mismatch")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	a, err := GenerateKeys()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v\n", err)
	}
	b, err := GenerateKeys()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v\n", err)
	}

	sa, err := GenerateSecret(a.Private, b.Public)
	if err != nil {
		t.Fatalf("failed to generate shared secret: %v\n", err)
	}
	sb, err := GenerateSecret(b.Private, a.Public)
	if err != nil {
		t.Fatalf("failed to generate shared secret: %v\n", err)
	}

	if !bytes.Equal(sa, sb) {
		t.Fatal("shared secrets disagree")
	}
}
