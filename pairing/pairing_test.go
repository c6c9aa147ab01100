package pairing

import (
	"testing"
	"time"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/task"
)

// run posts f to the handler context and waits for it to execute, so
// the test observes handler state without racing the context goroutine.
func run(t *testing.T, ctx *task.Context, f func()) {
	t.Helper()
	done := make(chan struct{})
	if !ctx.Post(func() {
		f()
		close(done)
	}) {
		t.Fatal("context already stopped")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("context stalled")
	}
}

// resultSink collects terminal callbacks and counts deliveries.
type resultSink struct {
	results []security.PairingResult
}

func (s *resultSink) complete(r security.PairingResult) {
	s.results = append(s.results, r)
}

func (s *resultSink) one(t *testing.T) security.PairingResult {
	t.Helper()
	if len(s.results) != 1 {
		t.Fatalf("expected exactly one terminal result, got %d", len(s.results))
	}
	return s.results[0]
}

type fakeCommandChannel struct {
	authRequested   int
	linkKeyReplies  [][]byte
	negativeReplies int
	ioCapReplies    []security.IoCapability
	confirmations   []bool
	passkeys        []uint32
	err             error
}

func (c *fakeCommandChannel) SendAuthenticationRequested(addr security.Address) error {
	c.authRequested++
	return c.err
}

func (c *fakeCommandChannel) SendLinkKeyRequestReply(addr security.Address, linkKey []byte) error {
	c.linkKeyReplies = append(c.linkKeyReplies, linkKey)
	return c.err
}

func (c *fakeCommandChannel) SendLinkKeyRequestNegativeReply(addr security.Address) error {
	c.negativeReplies++
	return c.err
}

func (c *fakeCommandChannel) SendIoCapabilityReply(addr security.Address, io security.IoCapability,
	oob security.OobDataPresent, auth security.AuthRequirements) error {
	c.ioCapReplies = append(c.ioCapReplies, io)
	return c.err
}

func (c *fakeCommandChannel) SendUserConfirmationReply(addr security.Address, accept bool) error {
	c.confirmations = append(c.confirmations, accept)
	return c.err
}

func (c *fakeCommandChannel) SendUserPasskeyReply(addr security.Address, passkey uint32, accept bool) error {
	c.passkeys = append(c.passkeys, passkey)
	return c.err
}

type fakeUI struct {
	prompts       []security.AddressWithType
	confirmValues []uint32
	passkeyEntry  int
	displayedKeys []uint32
	cancelled     int
}

func (u *fakeUI) DisplayPairingPrompt(peer security.AddressWithType) {
	u.prompts = append(u.prompts, peer)
}

func (u *fakeUI) DisplayConfirmValue(peer security.AddressWithType, value uint32) {
	u.confirmValues = append(u.confirmValues, value)
}

func (u *fakeUI) DisplayYesNoDialog(peer security.AddressWithType) {
	u.prompts = append(u.prompts, peer)
}

func (u *fakeUI) DisplayPasskeyEntry(peer security.AddressWithType) {
	u.passkeyEntry++
}

func (u *fakeUI) DisplayPasskey(peer security.AddressWithType, passkey uint32) {
	u.displayedKeys = append(u.displayedKeys, passkey)
}

func (u *fakeUI) CancelPrompt(peer security.AddressWithType) {
	u.cancelled++
}

func classicPeer() security.AddressWithType {
	return security.NewAddressWithType("11:22:33:44:55:66", security.AddressTypeClassic)
}

func lePeer() security.AddressWithType {
	return security.NewAddressWithType("aa:bb:cc:dd:ee:ff", security.AddressTypeLePublic)
}

func leLocal() security.AddressWithType {
	return security.NewAddressWithType("06:05:04:03:02:01", security.AddressTypeLePublic)
}
