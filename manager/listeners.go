package manager

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/smp"
	"github.com/rigado/ble-security/task"
)

type listenerEntry struct {
	l   security.Listener
	ctx *task.Context
}

// RegisterCallbackListener subscribes l to bonding and encryption
// outcomes, delivered by posting to ctx. Registering the same listener
// twice is a no-op.
func (m *Manager) RegisterCallbackListener(l security.Listener, ctx *task.Context) {
	m.smCtx.Post(func() {
		for _, e := range m.listeners {
			if e.l == l {
				return
			}
		}
		m.listeners = append(m.listeners, listenerEntry{l: l, ctx: ctx})
	})
}

// UnregisterCallbackListener is idempotent and safe to call from
// within a callback in progress.
func (m *Manager) UnregisterCallbackListener(l security.Listener) {
	m.smCtx.Post(func() {
		kept := m.listeners[:0]
		for _, e := range m.listeners {
			if e.l != l {
				kept = append(kept, e)
			}
		}
		m.listeners = kept
	})
}

func (m *Manager) broadcast(f func(security.Listener)) {
	for _, e := range m.listeners {
		l := e.l
		if e.ctx != nil {
			e.ctx.Post(func() { f(l) })
			continue
		}
		f(l)
	}
}

func (m *Manager) notifyBonded(peer security.AddressWithType) {
	m.broadcast(func(l security.Listener) { l.OnDeviceBonded(peer) })
}

func (m *Manager) bondFailed(peer security.AddressWithType, reason security.FailureReason) {
	m.broadcast(func(l security.Listener) { l.OnDeviceBondFailed(peer, reason) })
}

func (m *Manager) notifyUnbonded(peer security.AddressWithType) {
	m.broadcast(func(l security.Listener) { l.OnDeviceUnbonded(peer) })
}

func (m *Manager) notifyEncryption(peer security.AddressWithType, encrypted bool) {
	m.broadcast(func(l security.Listener) { l.OnEncryptionStateChanged(peer, encrypted) })
}

// SetUserInterfaceHandler installs the prompt renderer. Prompt calls
// are posted to ctx; replies come back through the On* callbacks.
func (m *Manager) SetUserInterfaceHandler(ui security.UI, ctx *task.Context) {
	m.smCtx.Post(func() {
		m.ui = ui
		m.uiCtx = ctx
	})
}

// uiForHandler snapshots the current UI for a new handler, or nil when
// none is installed so just-works paths can auto-accept.
func (m *Manager) uiForHandler() security.UI {
	if m.ui == nil {
		return nil
	}
	return &uiProxy{ui: m.ui, ctx: m.uiCtx}
}

// uiProxy posts every prompt to the UI's own execution context.
type uiProxy struct {
	ui  security.UI
	ctx *task.Context
}

func (p *uiProxy) post(f func()) {
	if p.ctx != nil {
		p.ctx.Post(f)
		return
	}
	f()
}

func (p *uiProxy) DisplayPairingPrompt(peer security.AddressWithType) {
	p.post(func() { p.ui.DisplayPairingPrompt(peer) })
}

func (p *uiProxy) DisplayConfirmValue(peer security.AddressWithType, value uint32) {
	p.post(func() { p.ui.DisplayConfirmValue(peer, value) })
}

func (p *uiProxy) DisplayYesNoDialog(peer security.AddressWithType) {
	p.post(func() { p.ui.DisplayYesNoDialog(peer) })
}

func (p *uiProxy) DisplayPasskeyEntry(peer security.AddressWithType) {
	p.post(func() { p.ui.DisplayPasskeyEntry(peer) })
}

func (p *uiProxy) DisplayPasskey(peer security.AddressWithType, passkey uint32) {
	p.post(func() { p.ui.DisplayPasskey(peer, passkey) })
}

func (p *uiProxy) CancelPrompt(peer security.AddressWithType) {
	p.post(func() { p.ui.CancelPrompt(peer) })
}

// Configuration setters. Values take effect on the next initiated
// negotiation.

func (m *Manager) SetIoCapability(io security.IoCapability) {
	m.smCtx.Post(func() { m.ioCap = io })
}

func (m *Manager) SetAuthenticationRequirements(auth security.AuthRequirements) {
	m.smCtx.Post(func() { m.authReq = auth })
}

func (m *Manager) SetOobDataPresent(oob security.OobDataPresent) {
	m.smCtx.Post(func() { m.oobFlag = oob })
}

func (m *Manager) SetLeIoCapability(io security.IoCapability) {
	m.smCtx.Post(func() { m.leConfig.IoCap = io })
}

func (m *Manager) SetLeAuthRequirements(authReq byte) {
	m.smCtx.Post(func() { m.leConfig.AuthReq = authReq })
}

func (m *Manager) SetLeOobDataPresent(oob security.OobDataPresent) {
	m.smCtx.Post(func() { m.leConfig.OobFlag = oob })
}

func (m *Manager) SetLeMaximumEncryptionKeySize(size byte) {
	m.smCtx.Post(func() { m.leConfig.MaxKeySize = size })
}

// SetLeInitiatorAddressPolicyForTest selects how the local LE address
// is produced. Test hook, settable exactly once; a second call panics.
func (m *Manager) SetLeInitiatorAddressPolicyForTest(policy security.AddressPolicy,
	fixedAddr security.AddressWithType, rotationIrk []byte,
	minRotation, maxRotation time.Duration) {
	if !atomic.CompareAndSwapInt32(&m.addrPolicySet, 0, 1) {
		panic("le initiator address policy may only be set once")
	}
	m.smCtx.Post(func() {
		m.addrPolicy = policy
		m.fixedLocal = fixedAddr
	})
}

// GetOutOfBandData hands the caller the local confirm/random pair for
// an out-of-band exchange, generating it lazily. The pair is
// regenerable and never persisted.
func (m *Manager) GetOutOfBandData(cb func(security.OobData, error)) {
	m.smCtx.Post(func() {
		if m.localOob == nil {
			if err := m.generateLocalOob(); err != nil {
				cb(security.OobData{}, err)
				return
			}
		}
		cb(*m.localOob, nil)
	})
}

func (m *Manager) generateLocalOob() error {
	keys, err := smp.GenerateKeys()
	if err != nil {
		return errors.Wrap(err, "oob key generation")
	}

	r := make([]byte, 16)
	if _, err := rand.Read(r); err != nil {
		return errors.Wrap(err, "oob random")
	}

	px := smp.MarshalPublicKeyX(keys.Public)
	confirm, err := smp.F4(px, px, r, 0)
	if err != nil {
		return errors.Wrap(err, "oob confirm")
	}

	m.localOobKeys = keys
	m.localOob = &security.OobData{Confirm: confirm, Random: r}
	return nil
}

// SetOutOfBandData records the peer's confirm/random pair. A single
// remote slot is held; each call overwrites the previous peer's data.
func (m *Manager) SetOutOfBandData(peer security.AddressWithType, confirm, random []byte) {
	m.smCtx.Post(func() {
		m.remoteOob = &security.OobData{
			Confirm: append([]byte(nil), confirm...),
			Random:  append([]byte(nil), random...),
		}
		m.remoteOobPeer = peer
	})
}

// OnIdentityAddressResolved remaps the record and the pending LE slot
// after the peer's identity address is resolved mid-negotiation.
func (m *Manager) OnIdentityAddressResolved(current, identity security.AddressWithType) {
	m.smCtx.Post(func() {
		m.db.ReKey(current.Address, identity)
		if m.pendingLe != nil && m.pendingLe.peer == current {
			m.pendingLe.peer = identity
		}
	})
}
