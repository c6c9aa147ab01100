// Package manager implements the security orchestrator: bond
// lifecycle, per-peer pairing handler dispatch, policy enforcement and
// the out-of-band exchange. Every externally visible operation is
// posted to the SM context and runs to completion before the next, so
// the handler table, record database and policy table need no locking.
package manager

import (
	"time"

	"github.com/pkg/errors"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/channel"
	"github.com/rigado/ble-security/pairing"
	"github.com/rigado/ble-security/record"
	"github.com/rigado/ble-security/smp"
	"github.com/rigado/ble-security/task"
)

// Config wires the orchestrator to its collaborators. Commands carries
// classic link-level commands, Opener dials LE fixed channels and
// Encrypter controls link encryption for both transports.
type Config struct {
	Local     security.AddressWithType
	Store     record.Store
	Commands  security.CommandChannel
	Opener    security.ChannelOpener
	Encrypter security.Encrypter

	// PairingTimeout bounds each negotiation; zero selects the
	// handler default.
	PairingTimeout time.Duration

	Log security.Logger
}

// lePairing is the single stack-wide slot for the LE negotiation in
// flight. LE pairing is serialized across peers; classic is per-peer.
type lePairing struct {
	peer    security.AddressWithType
	handle  uint16
	handler *pairing.LeHandler
}

type Manager struct {
	smCtx *task.Context
	log   security.Logger
	cfg   Config

	db       *record.Database
	channels *channel.Registry
	opener   *channel.Opener

	ioCap    security.IoCapability
	authReq  security.AuthRequirements
	oobFlag  security.OobDataPresent
	leConfig security.LeConfig

	handlers        map[security.Address]*pairing.ClassicHandler
	pendingLe       *lePairing
	awaitingChannel map[security.AddressWithType]bool
	deferredLe      map[security.AddressWithType]bool

	policyWaiters   map[security.Address][]policyWaiter
	lePolicyWaiters map[security.Address][]lePolicyWaiter

	listeners []listenerEntry
	ui        security.UI
	uiCtx     *task.Context

	localOobKeys  *smp.ECDHKeys
	localOob      *security.OobData
	remoteOob     *security.OobData
	remoteOobPeer security.AddressWithType

	addrPolicySet int32
	addrPolicy    security.AddressPolicy
	fixedLocal    security.AddressWithType
}

func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = security.GetLogger()
	}
	log = log.ChildLogger(map[string]interface{}{"subsystem": "security"})

	m := &Manager{
		smCtx:           task.NewContext(),
		log:             log,
		cfg:             cfg,
		db:              record.NewDatabase(cfg.Store),
		ioCap:           security.DefaultIoCapability,
		authReq:         security.DefaultAuthReq,
		oobFlag:         security.DefaultOobDataPresent,
		leConfig:        security.DefaultLeConfig(),
		handlers:        make(map[security.Address]*pairing.ClassicHandler),
		awaitingChannel: make(map[security.AddressWithType]bool),
		deferredLe:      make(map[security.AddressWithType]bool),
		policyWaiters:   make(map[security.Address][]policyWaiter),
		lePolicyWaiters: make(map[security.Address][]lePolicyWaiter),
	}
	m.channels = channel.NewRegistry(log)
	if cfg.Opener != nil {
		m.opener = channel.NewOpener(cfg.Opener, m.smCtx, log)
	}
	return m
}

// Init loads the bond database and registers the LE fixed-channel
// service. Call once, before any events flow.
func (m *Manager) Init() error {
	if err := m.db.Load(); err != nil {
		return err
	}
	if m.cfg.Opener != nil {
		if err := m.cfg.Opener.RegisterService(m); err != nil {
			return errors.Wrap(err, "register le channel service")
		}
	}
	return nil
}

// Context exposes the SM context so callers can synchronize with it.
func (m *Manager) Context() *task.Context {
	return m.smCtx
}

// Shutdown aborts active negotiations, releases every fixed channel's
// dequeue sink before dropping it, then drains and stops the SM
// context.
func (m *Manager) Shutdown() {
	m.smCtx.Post(func() {
		for _, h := range m.handlers {
			h.Abort(security.FailureLinkLoss)
		}
		if m.pendingLe != nil {
			m.pendingLe.handler.Abort(security.FailureLinkLoss)
		}
		m.channels.ReleaseAll()
	})
	m.smCtx.Stop()
}

// CreateBond starts a bonding negotiation with peer, selecting the
// transport from the address type.
func (m *Manager) CreateBond(peer security.AddressWithType) {
	if peer.IsLe() {
		m.CreateBondLe(peer)
		return
	}
	m.smCtx.Post(func() { m.createBondClassic(peer) })
}

func (m *Manager) CreateBondLe(peer security.AddressWithType) {
	m.smCtx.Post(func() { m.createBondLe(peer) })
}

func (m *Manager) createBondClassic(peer security.AddressWithType) {
	rec := m.db.FindOrCreate(peer)
	if rec.IsBonded() {
		m.notifyBonded(peer)
		return
	}
	if _, ok := m.handlers[peer.Address]; ok {
		m.log.Debugf("bond request for %s ignored, negotiation active", peer)
		return
	}
	if m.cfg.Commands == nil {
		m.log.Errorf("no classic command channel, cannot bond %s", peer)
		m.abortBondAttempt(peer, security.FailurePairingNotSupported)
		return
	}

	h := m.newClassicHandler(peer, rec)
	m.handlers[peer.Address] = h
	rec.State = record.StateBonding
	h.Initiate(true)
}

func (m *Manager) newClassicHandler(peer security.AddressWithType, rec *record.SecurityRecord) *pairing.ClassicHandler {
	var linkKey []byte
	if rec.Keys != nil {
		linkKey = rec.Keys.LinkKey
	}
	return pairing.NewClassic(pairing.ClassicParams{
		Peer:     peer,
		Channel:  m.cfg.Commands,
		UI:       m.uiForHandler(),
		IoCap:    m.ioCap,
		AuthReq:  m.authReq,
		OobData:  m.oobFlag,
		LinkKey:  linkKey,
		SmCtx:    m.smCtx,
		Complete: m.onPairingComplete,
		Timeout:  m.cfg.PairingTimeout,
		Log:      m.log.ChildLogger(map[string]interface{}{"peer": peer.String()}),
	})
}

func (m *Manager) createBondLe(peer security.AddressWithType) {
	rec := m.db.FindOrCreate(peer)
	if rec.IsBonded() {
		m.notifyBonded(peer)
		return
	}
	if m.pendingLe != nil {
		if m.pendingLe.peer == peer {
			m.log.Debugf("bond request for %s ignored, negotiation active", peer)
			return
		}
		//le pairing is serialized stack-wide; resume when the slot frees
		m.log.Debugf("le pairing with %s in flight, deferring bond request for %s",
			m.pendingLe.peer, peer)
		rec.State = record.StateBonding
		m.deferredLe[peer] = true
		return
	}
	if m.awaitingChannel[peer] || m.deferredLe[peer] {
		return
	}

	rec.State = record.StateBonding
	if ch, ok := m.channels.Find(peer); ok {
		m.startLePairing(peer, ch, true)
		return
	}

	if m.opener == nil {
		m.abortBondAttempt(peer, security.FailureLinkLoss)
		return
	}
	m.awaitingChannel[peer] = true
	m.opener.Connect(peer, func(err error) {
		if !m.awaitingChannel[peer] {
			return
		}
		delete(m.awaitingChannel, peer)
		m.abortBondAttempt(peer, security.FailureLinkLoss)
	})
}

func (m *Manager) startLePairing(peer security.AddressWithType, ch security.FixedChannel, locallyInitiated bool) {
	var remoteOob *security.OobData
	if m.remoteOob != nil && m.remoteOobPeer == peer {
		remoteOob = m.remoteOob
	}

	h := pairing.NewLe(pairing.LeParams{
		Peer:         peer,
		Local:        m.leLocalAddress(),
		Channel:      ch,
		Encrypter:    m.cfg.Encrypter,
		UI:           m.uiForHandler(),
		Config:       m.leConfig,
		RemoteOob:    remoteOob,
		LocalOob:     m.localOob,
		LocalOobKeys: m.localOobKeys,
		SmCtx:        m.smCtx,
		Complete:     m.onPairingComplete,
		Timeout:      m.cfg.PairingTimeout,
		Log:          m.log.ChildLogger(map[string]interface{}{"peer": peer.String()}),
	})
	if m.leConfig.OobFlag == security.OobPresent || remoteOob != nil {
		//the handed-out confirm commits to this key pair; one exchange each
		m.localOob, m.localOobKeys = nil, nil
	}
	m.pendingLe = &lePairing{peer: peer, handle: ch.Handle(), handler: h}
	m.db.FindOrCreate(peer).State = record.StateBonding
	h.Initiate(locallyInitiated)
}

// CancelBond aborts the active negotiation for peer, if any. The
// security record keeps its pre-attempt state.
func (m *Manager) CancelBond(peer security.AddressWithType) {
	m.smCtx.Post(func() {
		if h, ok := m.handlers[peer.Address]; ok {
			h.Cancel()
			return
		}
		if m.pendingLe != nil && m.pendingLe.peer == peer {
			m.pendingLe.handler.Cancel()
			return
		}
		if m.awaitingChannel[peer] || m.deferredLe[peer] {
			delete(m.awaitingChannel, peer)
			delete(m.deferredLe, peer)
			m.abortBondAttempt(peer, security.FailureCancelled)
		}
	})
}

// RemoveBond deletes the stored bond, tears down the peer's channel
// and cancels any active negotiation. Listeners hear unbonded only if
// a record existed.
func (m *Manager) RemoveBond(peer security.AddressWithType) {
	m.smCtx.Post(func() {
		if h, ok := m.handlers[peer.Address]; ok {
			h.Cancel()
		}
		if m.pendingLe != nil && m.pendingLe.peer == peer {
			m.pendingLe.handler.Cancel()
		}
		if m.awaitingChannel[peer] || m.deferredLe[peer] {
			delete(m.awaitingChannel, peer)
			delete(m.deferredLe, peer)
			m.abortBondAttempt(peer, security.FailureCancelled)
		}
		m.channels.Release(peer)
		if m.db.Remove(peer.Address) {
			m.notifyUnbonded(peer)
		}
	})
}

// onPairingComplete is the single convergence point for every
// negotiation outcome. Runs on the SM context, exactly once per
// handler.
func (m *Manager) onPairingComplete(res security.PairingResult) {
	peer := res.Peer
	delete(m.handlers, peer.Address)
	if m.pendingLe != nil && m.pendingLe.peer == peer {
		m.pendingLe = nil
	}

	if res.Failed() {
		m.log.Warnf("pairing with %s failed: %v", peer, res.Failure)
		m.abortBondAttempt(peer, res.Failure)
		m.startNextDeferredLe()
		return
	}

	rec := m.db.FindOrCreate(peer)
	rec.Authenticated = res.Authenticated
	rec.Encrypted = true
	if peer.IsLe() {
		rec.IoCap = m.leConfig.IoCap
	} else {
		rec.IoCap = m.ioCap
	}

	if res.Keys != nil {
		rec.Keys = res.Keys
		if err := m.db.SaveBonded(rec); err != nil {
			m.log.Errorf("persisting bond for %s: %v", peer, err)
		}
	} else {
		//link secured but no keys were distributed; nothing to persist
		rec.State = record.StateUnbonded
	}
	m.notifyBonded(peer)
	m.resolvePolicyWaiters(peer)
	m.startNextDeferredLe()
}

// abortBondAttempt is the single failure path for a bond that dies
// outside a successful pairing: the record reverts, listeners hear the
// failure, and any policy query waiting on this peer resolves now
// rather than leaking.
func (m *Manager) abortBondAttempt(peer security.AddressWithType, reason security.FailureReason) {
	m.clearBonding(peer)
	m.bondFailed(peer, reason)
	m.resolvePolicyWaiters(peer)
}

// startNextDeferredLe resumes one bond request that was parked while
// the LE slot was held by another peer.
func (m *Manager) startNextDeferredLe() {
	if m.pendingLe != nil {
		return
	}
	for peer := range m.deferredLe {
		delete(m.deferredLe, peer)
		m.createBondLe(peer)
		return
	}
}

// clearBonding reverts a record stuck in the bonding state; an already
// bonded record is left untouched.
func (m *Manager) clearBonding(peer security.AddressWithType) {
	rec, ok := m.db.Find(peer.Address)
	if !ok || rec.IsBonded() {
		return
	}
	rec.State = record.StateUnbonded
}

func (m *Manager) leLocalAddress() security.AddressWithType {
	if m.addrPolicy == security.AddressPolicyUseStatic && m.fixedLocal.Address != "" {
		return m.fixedLocal
	}
	return m.cfg.Local
}

func (m *Manager) hasHandler(peer security.AddressWithType) bool {
	if _, ok := m.handlers[peer.Address]; ok {
		return true
	}
	return m.pendingLe != nil && m.pendingLe.peer == peer
}
