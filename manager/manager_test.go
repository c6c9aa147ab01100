package manager

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/record"
	"github.com/rigado/ble-security/smp"
	"github.com/rigado/ble-security/task"
)

func run(t *testing.T, ctx *task.Context, f func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, ctx.Post(func() {
		f()
		close(done)
	}), "context already stopped")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("context stalled")
	}
}

type fakeListener struct {
	bonded    []security.AddressWithType
	failed    []security.FailureReason
	unbonded  []security.AddressWithType
	encrypted []bool
}

func (l *fakeListener) OnDeviceBonded(peer security.AddressWithType) {
	l.bonded = append(l.bonded, peer)
}

func (l *fakeListener) OnDeviceBondFailed(peer security.AddressWithType, reason security.FailureReason) {
	l.failed = append(l.failed, reason)
}

func (l *fakeListener) OnDeviceUnbonded(peer security.AddressWithType) {
	l.unbonded = append(l.unbonded, peer)
}

func (l *fakeListener) OnEncryptionStateChanged(peer security.AddressWithType, encrypted bool) {
	l.encrypted = append(l.encrypted, encrypted)
}

type fakeCommands struct {
	authRequested  int
	ioCapReplies   int
	linkKeyReplies [][]byte
	confirmations  []bool
	passkeys       []uint32
}

func (c *fakeCommands) SendAuthenticationRequested(security.Address) error {
	c.authRequested++
	return nil
}

func (c *fakeCommands) SendLinkKeyRequestReply(addr security.Address, key []byte) error {
	c.linkKeyReplies = append(c.linkKeyReplies, key)
	return nil
}
func (c *fakeCommands) SendLinkKeyRequestNegativeReply(security.Address) error { return nil }

func (c *fakeCommands) SendIoCapabilityReply(security.Address, security.IoCapability,
	security.OobDataPresent, security.AuthRequirements) error {
	c.ioCapReplies++
	return nil
}

func (c *fakeCommands) SendUserConfirmationReply(addr security.Address, accept bool) error {
	c.confirmations = append(c.confirmations, accept)
	return nil
}

func (c *fakeCommands) SendUserPasskeyReply(addr security.Address, passkey uint32, accept bool) error {
	c.passkeys = append(c.passkeys, passkey)
	return nil
}

type fakeOpener struct {
	dials int32
}

func (o *fakeOpener) RegisterService(security.ChannelListener) error { return nil }

func (o *fakeOpener) ConnectTo(security.AddressWithType) error {
	atomic.AddInt32(&o.dials, 1)
	return nil
}

type fakeEncrypter struct {
	encrypted []security.AddressWithType
	provided  [][]byte
}

func (e *fakeEncrypter) Encrypt(peer security.AddressWithType, keys *security.KeyMaterial) error {
	e.encrypted = append(e.encrypted, peer)
	return nil
}

func (e *fakeEncrypter) ProvideLongTermKey(peer security.AddressWithType, handle uint16, ltk []byte) error {
	e.provided = append(e.provided, ltk)
	return nil
}

type fakeLeChannel struct {
	peer   security.AddressWithType
	writes [][]byte
	sink   func([]byte)
}

func (c *fakeLeChannel) Peer() security.AddressWithType { return c.peer }
func (c *fakeLeChannel) Handle() uint16                 { return 0x40 }

func (c *fakeLeChannel) Write(pdu []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), pdu...))
	return len(pdu), nil
}

func (c *fakeLeChannel) RegisterDequeue(sink func([]byte)) { c.sink = sink }
func (c *fakeLeChannel) UnregisterDequeue()                { c.sink = nil }
func (c *fakeLeChannel) Close() error                      { return nil }

type fixture struct {
	m        *Manager
	cmds     *fakeCommands
	opener   *fakeOpener
	enc      *fakeEncrypter
	listener *fakeListener
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		cmds:     &fakeCommands{},
		opener:   &fakeOpener{},
		enc:      &fakeEncrypter{},
		listener: &fakeListener{},
	}
	f.m = New(Config{
		Local:     security.NewAddressWithType("06:05:04:03:02:01", security.AddressTypeLePublic),
		Store:     record.NewFileStore(filepath.Join(t.TempDir(), "bonds.json")),
		Commands:  f.cmds,
		Opener:    f.opener,
		Encrypter: f.enc,
	})
	require.NoError(t, f.m.Init())
	t.Cleanup(f.m.Shutdown)

	f.m.RegisterCallbackListener(f.listener, nil)
	return f
}

// sync flushes the manager context so state written there is visible to
// the test goroutine.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	run(t, f.m.Context(), func() {})
}

func classicPeer() security.AddressWithType {
	return security.NewAddressWithType("11:22:33:44:55:66", security.AddressTypeClassic)
}

func lePeer() security.AddressWithType {
	return security.NewAddressWithType("aa:bb:cc:dd:ee:ff", security.AddressTypeLePublic)
}

// completeClassicJustWorks drives the active negotiation to a bonded
// outcome with the default no-mitm configuration.
func (f *fixture) completeClassicJustWorks(key []byte) {
	addr := classicPeer().Address
	f.m.OnHciEventReceived(security.IoCapabilityResponse{Addr: addr,
		IoCap: security.IoCapNoInputNoOutput, AuthReq: security.AuthGeneralBonding})
	f.m.OnHciEventReceived(security.UserConfirmationRequest{Addr: addr})
	f.m.OnHciEventReceived(security.SimplePairingComplete{Addr: addr})
	f.m.OnHciEventReceived(security.LinkKeyNotification{Addr: addr, Key: key})
}

func TestCreateBondIdempotent(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()

	f.m.CreateBond(peer)
	f.m.CreateBond(peer)

	var handlerCount int
	run(t, f.m.Context(), func() { handlerCount = len(f.m.handlers) })

	require.Equal(t, 1, f.cmds.authRequested, "second bond request must not start a new negotiation")
	require.Equal(t, 1, handlerCount)
}

func TestClassicBondScenario(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	f.m.CreateBond(peer)
	f.completeClassicJustWorks(key)

	var (
		rec          *record.SecurityRecord
		found        bool
		handlerCount int
	)
	run(t, f.m.Context(), func() {
		rec, found = f.m.db.Find(peer.Address)
		handlerCount = len(f.m.handlers)
	})

	require.Len(t, f.listener.bonded, 1)
	require.Empty(t, f.listener.failed)
	require.True(t, found)
	require.True(t, rec.IsBonded())
	require.Equal(t, key, rec.Keys.LinkKey)
	require.Zero(t, handlerCount, "handler must be retired on completion")

	//a repeat bond request succeeds without a new negotiation
	f.m.CreateBond(peer)
	f.sync(t)
	require.Equal(t, 1, f.cmds.authRequested)
	require.Len(t, f.listener.bonded, 2)
}

func TestCancelBondLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()

	f.m.CreateBond(peer)
	f.m.CancelBond(peer)

	var (
		rec   *record.SecurityRecord
		found bool
	)
	run(t, f.m.Context(), func() { rec, found = f.m.db.Find(peer.Address) })

	require.Equal(t, []security.FailureReason{security.FailureCancelled}, f.listener.failed)
	require.True(t, found)
	require.Equal(t, record.StateUnbonded, rec.State)
	require.Nil(t, rec.Keys)
}

func TestRemoveBondThenCreateBondStartsFresh(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()
	key := make([]byte, 16)

	f.m.CreateBond(peer)
	f.completeClassicJustWorks(key)
	f.m.RemoveBond(peer)

	var found bool
	run(t, f.m.Context(), func() { _, found = f.m.db.Find(peer.Address) })

	require.Len(t, f.listener.unbonded, 1)
	require.False(t, found, "record must be gone after remove")

	f.m.CreateBond(peer)
	f.sync(t)
	require.Equal(t, 2, f.cmds.authRequested, "rebond must start a fresh negotiation")
}

func TestRemoveBondWithoutRecordIsSilent(t *testing.T) {
	f := newFixture(t)

	f.m.RemoveBond(classicPeer())
	f.sync(t)
	require.Empty(t, f.listener.unbonded)
}

func TestPolicyFastPath(t *testing.T) {
	f := newFixture(t)
	var results []bool

	f.m.EnforceSecurityPolicy(classicPeer(), security.PolicySdpOnlyNoSecurity,
		func(ok bool) { results = append(results, ok) })
	f.sync(t)

	require.Equal(t, []bool{true}, results)
	require.Zero(t, f.cmds.authRequested, "fast path must not trigger pairing")
}

func TestPolicyTriggersPairingAndResolves(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()
	ui := &policyTestUI{}
	var results []bool

	f.m.SetAuthenticationRequirements(security.AuthGeneralBondingMitm)
	f.m.SetUserInterfaceHandler(ui, nil)
	f.m.EnforceSecurityPolicy(peer, security.PolicyAuthenticatedEncryptedTransport,
		func(ok bool) { results = append(results, ok) })
	f.sync(t)

	require.Empty(t, results, "policy must wait on the triggered pairing")
	require.Equal(t, 1, f.cmds.authRequested)

	addr := peer.Address
	f.m.OnHciEventReceived(security.IoCapabilityResponse{Addr: addr,
		IoCap: security.IoCapDisplayYesNo, AuthReq: security.AuthGeneralBondingMitm})
	f.m.OnHciEventReceived(security.UserConfirmationRequest{Addr: addr, NumericValue: 111222})
	f.sync(t)
	require.Equal(t, []uint32{111222}, ui.confirmValues)

	f.m.OnConfirmYesNo(peer, true)
	f.m.OnHciEventReceived(security.SimplePairingComplete{Addr: addr})
	f.m.OnHciEventReceived(security.LinkKeyNotification{Addr: addr, Key: make([]byte, 16)})
	f.sync(t)

	require.Equal(t, []bool{true}, results, "policy resolves after the pairing it triggered")
}

func TestPolicyResolvesFalseOnCancel(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()
	var results []bool

	f.m.EnforceSecurityPolicy(peer, security.PolicyEncryptedTransport,
		func(ok bool) { results = append(results, ok) })
	f.m.CancelBond(peer)
	f.sync(t)

	require.Equal(t, []bool{false}, results)
}

type policyTestUI struct {
	confirmValues []uint32
}

func (u *policyTestUI) DisplayPairingPrompt(security.AddressWithType) {}
func (u *policyTestUI) DisplayConfirmValue(peer security.AddressWithType, v uint32) {
	u.confirmValues = append(u.confirmValues, v)
}
func (u *policyTestUI) DisplayYesNoDialog(security.AddressWithType)     {}
func (u *policyTestUI) DisplayPasskeyEntry(security.AddressWithType)    {}
func (u *policyTestUI) DisplayPasskey(security.AddressWithType, uint32) {}
func (u *policyTestUI) CancelPrompt(security.AddressWithType)           {}

func TestOutOfBandDataSlots(t *testing.T) {
	f := newFixture(t)

	var (
		first, second security.OobData
		errs          []error
	)
	f.m.GetOutOfBandData(func(d security.OobData, err error) {
		first, errs = d, append(errs, err)
	})
	f.m.GetOutOfBandData(func(d security.OobData, err error) {
		second, errs = d, append(errs, err)
	})
	f.sync(t)

	require.Equal(t, []error{nil, nil}, errs)
	require.Len(t, first.Confirm, 16)
	require.Len(t, first.Random, 16)
	require.Equal(t, first, second, "local oob pair is stable until regenerated")

	other := security.NewAddressWithType("01:02:03:04:05:06", security.AddressTypeLePublic)
	f.m.SetOutOfBandData(lePeer(), []byte{1}, []byte{2})
	f.m.SetOutOfBandData(other, []byte{3}, []byte{4})

	var (
		remotePeer    security.AddressWithType
		remoteConfirm []byte
	)
	run(t, f.m.Context(), func() {
		remotePeer = f.m.remoteOobPeer
		remoteConfirm = f.m.remoteOob.Confirm
	})
	require.Equal(t, other, remotePeer, "remote slot holds only the latest peer")
	require.Equal(t, []byte{3}, remoteConfirm)
}

func TestOutOfBandPairConsumedByPairing(t *testing.T) {
	f := newFixture(t)
	peer := lePeer()

	f.m.GetOutOfBandData(func(security.OobData, error) {})
	f.m.SetOutOfBandData(peer, make([]byte, 16), make([]byte, 16))

	var keysHeld bool
	run(t, f.m.Context(), func() {
		keysHeld = f.m.localOob != nil && f.m.localOobKeys != nil
	})
	require.True(t, keysHeld, "handed-out pair must be retained until pairing uses it")

	ch := &fakeLeChannel{peer: peer}
	f.m.OnConnectionOpenLe(ch)
	f.m.CreateBondLe(peer)

	var pending, consumed bool
	run(t, f.m.Context(), func() {
		pending = f.m.pendingLe != nil
		consumed = f.m.localOob == nil && f.m.localOobKeys == nil
	})
	require.True(t, pending)
	require.True(t, consumed, "an oob negotiation spends the single-use local pair")
}

func TestLeBondWaitsForChannelOpen(t *testing.T) {
	f := newFixture(t)
	peer := lePeer()

	f.m.CreateBondLe(peer)

	var awaiting, pending bool
	run(t, f.m.Context(), func() {
		awaiting = f.m.awaitingChannel[peer]
		pending = f.m.pendingLe != nil
	})
	require.True(t, awaiting)
	require.False(t, pending)

	ch := &fakeLeChannel{peer: peer}
	f.m.OnConnectionOpenLe(ch)

	var pendingPeer security.AddressWithType
	run(t, f.m.Context(), func() {
		if f.m.pendingLe != nil {
			pendingPeer = f.m.pendingLe.peer
		}
	})
	require.Equal(t, peer, pendingPeer, "pairing must start when the channel opens")
	require.NotEmpty(t, ch.writes)
	require.Equal(t, byte(smp.OpPairingRequest), ch.writes[0][0])
}

func TestLeSinglePendingSlot(t *testing.T) {
	f := newFixture(t)
	first := lePeer()
	second := security.NewAddressWithType("01:02:03:04:05:06", security.AddressTypeLePublic)

	ch := &fakeLeChannel{peer: first}
	f.m.OnConnectionOpenLe(ch)
	f.m.CreateBondLe(first)
	f.m.CreateBondLe(second)

	var (
		pendingPeer    security.AddressWithType
		secondDeferred bool
	)
	run(t, f.m.Context(), func() {
		if f.m.pendingLe != nil {
			pendingPeer = f.m.pendingLe.peer
		}
		secondDeferred = f.m.deferredLe[second]
	})
	require.Equal(t, first, pendingPeer, "second le bond must not displace the slot")
	require.True(t, secondDeferred, "second le bond parks until the slot frees")
}

func TestLeDeferredBondResumesWhenSlotFrees(t *testing.T) {
	f := newFixture(t)
	first := lePeer()
	second := security.NewAddressWithType("01:02:03:04:05:06", security.AddressTypeLePublic)

	//second's channel is still coming up when a remote peer takes the slot
	f.m.CreateBondLe(second)
	chFirst := &fakeLeChannel{peer: first}
	f.m.OnConnectionOpenLe(chFirst)
	f.sync(t)
	chFirst.sink(smp.BuildPairingReq(security.DefaultLeConfig()))

	chSecond := &fakeLeChannel{peer: second}
	f.m.OnConnectionOpenLe(chSecond)

	var (
		pendingPeer    security.AddressWithType
		secondDeferred bool
	)
	run(t, f.m.Context(), func() {
		if f.m.pendingLe != nil {
			pendingPeer = f.m.pendingLe.peer
		}
		secondDeferred = f.m.deferredLe[second]
	})
	require.Equal(t, first, pendingPeer)
	require.True(t, secondDeferred, "bond request must park, not vanish")
	require.Empty(t, chSecond.writes)

	//first's link drops, the parked bond takes the slot
	f.m.OnConnectionClosedLe(first, nil)

	run(t, f.m.Context(), func() {
		if f.m.pendingLe != nil {
			pendingPeer = f.m.pendingLe.peer
		}
	})
	require.Equal(t, second, pendingPeer, "deferred bond must resume when the slot frees")
	require.NotEmpty(t, chSecond.writes)
	require.Equal(t, byte(smp.OpPairingRequest), chSecond.writes[0][0])
}

func TestLeChannelClosedAbortsPairing(t *testing.T) {
	f := newFixture(t)
	peer := lePeer()

	ch := &fakeLeChannel{peer: peer}
	f.m.OnConnectionOpenLe(ch)
	f.m.CreateBondLe(peer)
	f.m.OnConnectionClosedLe(peer, nil)

	var pending bool
	run(t, f.m.Context(), func() { pending = f.m.pendingLe != nil })

	require.False(t, pending)
	require.Equal(t, []security.FailureReason{security.FailureLinkLoss}, f.listener.failed)
}

func TestLePolicyResolvesOnChannelFailure(t *testing.T) {
	f := newFixture(t)
	peer := lePeer()
	var results []bool

	f.m.EnforceLeSecurityPolicy(peer, security.LePolicyEncryptedTransport,
		func(ok bool) { results = append(results, ok) })
	f.sync(t)
	require.Empty(t, results, "policy must wait on the triggered bond")
	require.Equal(t, int32(1), atomic.LoadInt32(&f.opener.dials))

	f.m.OnConnectionFailureLe(peer, nil)
	f.sync(t)

	require.Equal(t, []bool{false}, results, "policy resolves when the bond attempt dies")
	require.Equal(t, []security.FailureReason{security.FailureLinkLoss}, f.listener.failed)
}

func TestLePolicyResolvesOnDeferredCancel(t *testing.T) {
	f := newFixture(t)
	first := lePeer()
	second := security.NewAddressWithType("01:02:03:04:05:06", security.AddressTypeLePublic)
	var results []bool

	ch := &fakeLeChannel{peer: first}
	f.m.OnConnectionOpenLe(ch)
	f.m.CreateBondLe(first)

	f.m.EnforceLeSecurityPolicy(second, security.LePolicyEncryptedTransport,
		func(ok bool) { results = append(results, ok) })
	f.sync(t)
	require.Empty(t, results, "policy must wait while the bond is parked")

	f.m.CancelBond(second)
	f.sync(t)

	require.Equal(t, []bool{false}, results)
	require.Equal(t, []security.FailureReason{security.FailureCancelled}, f.listener.failed)
}

func TestRemoteInitiatedClassicPairing(t *testing.T) {
	f := newFixture(t)
	addr := classicPeer().Address

	f.m.OnHciEventReceived(security.IoCapabilityRequest{Addr: addr})

	var handlerCount int
	run(t, f.m.Context(), func() { handlerCount = len(f.m.handlers) })

	require.Equal(t, 1, handlerCount, "inbound request must create a responder handler")
	require.Equal(t, 1, f.cmds.ioCapReplies)
	require.Zero(t, f.cmds.authRequested, "responder must not request authentication")
}

func TestBondedPeerLinkKeyRequestAnswered(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	f.m.CreateBond(peer)
	f.completeClassicJustWorks(key)

	//routine re-authentication: the controller asks for the stored key
	f.m.OnHciEventReceived(security.LinkKeyRequest{Addr: peer.Address})

	var (
		rec          *record.SecurityRecord
		handlerCount int
	)
	run(t, f.m.Context(), func() {
		rec, _ = f.m.db.Find(peer.Address)
		handlerCount = len(f.m.handlers)
	})

	require.Equal(t, [][]byte{key}, f.cmds.linkKeyReplies)
	require.Zero(t, handlerCount, "a key request on a bonded link must not start pairing")
	require.True(t, rec.IsBonded(), "record must keep its bonded state")
	require.Empty(t, f.listener.failed)
	require.Len(t, f.listener.bonded, 1)
}

func TestRemoteInitiatedLePairing(t *testing.T) {
	f := newFixture(t)
	peer := lePeer()

	ch := &fakeLeChannel{peer: peer}
	f.m.OnConnectionOpenLe(ch)
	f.sync(t)
	require.NotNil(t, ch.sink, "manager must own the dequeue sink")

	ch.sink(smp.BuildPairingReq(security.DefaultLeConfig()))

	var pending bool
	run(t, f.m.Context(), func() { pending = f.m.pendingLe != nil })

	require.True(t, pending, "inbound pairing request must create a responder handler")
	require.NotEmpty(t, ch.writes)
	require.Equal(t, byte(smp.OpPairingResponse), ch.writes[0][0])
}

func TestStaleUIReplyDropped(t *testing.T) {
	f := newFixture(t)

	f.m.OnConfirmYesNo(classicPeer(), true)
	f.sync(t)
	require.Empty(t, f.cmds.confirmations)
}

func TestLeLongTermKeyRequestAnswered(t *testing.T) {
	f := newFixture(t)
	peer := lePeer()
	ltk := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}

	run(t, f.m.Context(), func() {
		rec := f.m.db.FindOrCreate(peer)
		rec.Keys = &security.KeyMaterial{LongTermKey: ltk}
		rec.State = record.StateBonded
	})

	f.m.OnHciLeEvent(security.LeLongTermKeyRequest{Peer: peer, Handle: 7})
	f.sync(t)

	require.Len(t, f.enc.provided, 1)
	require.Equal(t, ltk, f.enc.provided[0])
}

func TestRegisterListenerIdempotent(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()

	f.m.RegisterCallbackListener(f.listener, nil) //already registered by the fixture

	f.m.CreateBond(peer)
	f.completeClassicJustWorks(make([]byte, 16))
	f.sync(t)

	require.Len(t, f.listener.bonded, 1, "duplicate registration must not double-deliver")
}

func TestUnregisterListenerStopsDelivery(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()

	f.m.UnregisterCallbackListener(f.listener)
	f.m.CreateBond(peer)
	f.completeClassicJustWorks(make([]byte, 16))
	f.sync(t)

	require.Empty(t, f.listener.bonded)
}

func TestAddressPolicySetOnce(t *testing.T) {
	f := newFixture(t)

	f.m.SetLeInitiatorAddressPolicyForTest(security.AddressPolicyUseStatic,
		security.NewAddressWithType("0a:0b:0c:0d:0e:0f", security.AddressTypeLeRandom),
		nil, time.Minute, time.Hour)

	require.Panics(t, func() {
		f.m.SetLeInitiatorAddressPolicyForTest(security.AddressPolicyUsePublic,
			security.AddressWithType{}, nil, 0, 0)
	})
}

func TestEncryptionChangeNotifiesListeners(t *testing.T) {
	f := newFixture(t)
	peer := classicPeer()

	f.m.CreateBond(peer)
	f.completeClassicJustWorks(make([]byte, 16))
	f.m.OnHciEventReceived(security.EncryptionChange{Addr: peer.Address, Enabled: false})

	var encrypted bool
	run(t, f.m.Context(), func() {
		if rec, ok := f.m.db.Find(peer.Address); ok {
			encrypted = rec.Encrypted
		}
	})

	require.False(t, encrypted)
	require.Equal(t, []bool{false}, f.listener.encrypted)
}
