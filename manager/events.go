package manager

import (
	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/pairing"
	"github.com/rigado/ble-security/record"
	"github.com/rigado/ble-security/smp"
)

// OnHciEventReceived ingests a classic link-level event. Events for a
// peer with an active handler go to that handler; an io-capability or
// link-key request with no handler starts a responder-side
// negotiation; anything else for an unknown peer is dropped.
func (m *Manager) OnHciEventReceived(evt security.Event) {
	m.smCtx.Post(func() { m.onHciEvent(evt) })
}

func (m *Manager) onHciEvent(evt security.Event) {
	addr := evt.EventAddress()
	peer := security.AddressWithType{Address: addr, Type: security.AddressTypeClassic}

	if e, ok := evt.(security.EncryptionChange); ok {
		if rec, ok := m.db.Find(addr); ok {
			rec.Encrypted = e.Enabled
		}
		if h, ok := m.handlers[addr]; ok {
			h.OnEncryptionChange(e.Enabled)
		}
		m.notifyEncryption(peer, e.Enabled)
		if !m.hasHandler(peer) {
			m.resolvePolicyWaiters(peer)
		}
		return
	}

	if h, ok := m.handlers[addr]; ok {
		h.OnEvent(evt)
		return
	}

	switch evt.(type) {
	case security.IoCapabilityRequest, security.LinkKeyRequest:
		if m.cfg.Commands == nil {
			return
		}
		rec := m.db.FindOrCreate(peer)
		if _, isKeyReq := evt.(security.LinkKeyRequest); isKeyReq && rec.IsBonded() {
			//routine re-authentication on a bonded link, not a new pairing
			if err := m.cfg.Commands.SendLinkKeyRequestReply(addr, rec.Keys.LinkKey); err != nil {
				m.log.Errorf("link key reply for %s: %v", addr, err)
			}
			return
		}
		//remote-initiated classic pairing
		h := m.newClassicHandler(peer, rec)
		m.handlers[addr] = h
		if !rec.IsBonded() {
			rec.State = record.StateBonding
		}
		h.Initiate(false)
		h.OnEvent(evt)
	default:
		m.log.Debugf("dropping event %T for unknown peer %s", evt, addr)
	}
}

// OnHciLeEvent ingests an LE meta sub-event.
func (m *Manager) OnHciLeEvent(evt security.LeEvent) {
	m.smCtx.Post(func() { m.onHciLeEvent(evt) })
}

func (m *Manager) onHciLeEvent(evt security.LeEvent) {
	switch e := evt.(type) {
	case security.LeEncryptionChange:
		if rec, ok := m.db.Find(e.Peer.Address); ok {
			rec.Encrypted = e.Encrypted
		}
		if m.pendingLe != nil && m.pendingLe.peer == e.Peer {
			m.pendingLe.handler.OnEncryptionChange(e.Encrypted)
		}
		m.notifyEncryption(e.Peer, e.Encrypted)
		if !m.hasHandler(e.Peer) {
			m.resolvePolicyWaiters(e.Peer)
		}

	case security.LeLongTermKeyRequest:
		if m.cfg.Encrypter == nil {
			return
		}
		if m.pendingLe != nil && m.pendingLe.peer == e.Peer {
			if ltk := m.pendingLe.handler.LongTermKey(); len(ltk) > 0 {
				if err := m.cfg.Encrypter.ProvideLongTermKey(e.Peer, e.Handle, ltk); err != nil {
					m.log.Errorf("ltk reply for %s: %v", e.Peer, err)
				}
				return
			}
		}
		if rec, ok := m.db.Find(e.Peer.Address); ok && rec.IsBonded() {
			if err := m.cfg.Encrypter.ProvideLongTermKey(e.Peer, e.Handle, rec.Keys.LongTermKey); err != nil {
				m.log.Errorf("ltk reply for %s: %v", e.Peer, err)
			}
			return
		}
		m.log.Warnf("no long-term key for %s", e.Peer)

	default:
		m.log.Debugf("dropping le event %T for %s", evt, evt.EventPeer())
	}
}

// OnConnectionClosed reports a classic link teardown.
func (m *Manager) OnConnectionClosed(addr security.Address) {
	m.smCtx.Post(func() {
		if h, ok := m.handlers[addr]; ok {
			h.Abort(security.FailureLinkLoss)
		}
	})
}

// OnConnectionOpenLe adopts a freshly opened fixed channel and starts
// any pairing that was deferred until the channel came up.
func (m *Manager) OnConnectionOpenLe(ch security.FixedChannel) {
	m.smCtx.Post(func() {
		peer := ch.Peer()
		m.channels.Add(ch, func(pdu []byte) {
			cp := append([]byte(nil), pdu...)
			m.smCtx.Post(func() { m.onSmpCommand(peer, cp) })
		})

		if m.awaitingChannel[peer] {
			delete(m.awaitingChannel, peer)
			if m.pendingLe == nil {
				m.startLePairing(peer, ch, true)
			} else {
				//slot taken while the channel came up; resume later
				m.deferredLe[peer] = true
			}
		}
	})
}

func (m *Manager) OnConnectionClosedLe(peer security.AddressWithType, err error) {
	m.smCtx.Post(func() {
		m.channels.Drop(peer)
		if m.pendingLe != nil && m.pendingLe.peer == peer {
			m.pendingLe.handler.Abort(security.FailureLinkLoss)
		}
		if m.awaitingChannel[peer] || m.deferredLe[peer] {
			delete(m.awaitingChannel, peer)
			delete(m.deferredLe, peer)
			m.abortBondAttempt(peer, security.FailureLinkLoss)
		}
	})
}

func (m *Manager) OnConnectionFailureLe(peer security.AddressWithType, err error) {
	m.smCtx.Post(func() {
		if !m.awaitingChannel[peer] {
			return
		}
		m.log.Warnf("channel open for %s failed: %v", peer, err)
		delete(m.awaitingChannel, peer)
		m.abortBondAttempt(peer, security.FailureLinkLoss)
	})
}

// onSmpCommand routes an inbound SMP PDU. A pairing request on an idle
// stack starts a responder-side handler; a security request encrypts
// or bonds depending on the stored record.
func (m *Manager) onSmpCommand(peer security.AddressWithType, pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	if m.pendingLe != nil && m.pendingLe.peer == peer {
		m.pendingLe.handler.OnCommand(pdu)
		return
	}

	switch pdu[0] {
	case smp.OpPairingRequest:
		ch, ok := m.channels.Find(peer)
		if !ok {
			m.log.Warnf("pairing request from %s without an open channel", peer)
			return
		}
		if m.pendingLe != nil {
			m.log.Warnf("refusing pairing request from %s, negotiation with %s in flight",
				peer, m.pendingLe.peer)
			_, _ = ch.Write([]byte{smp.OpPairingFailed, smp.ReasonRepeatedAttempts})
			return
		}
		m.startLePairing(peer, ch, false)
		m.pendingLe.handler.OnCommand(pdu)

	case smp.OpSecurityRequest:
		if rec, ok := m.db.Find(peer.Address); ok && rec.IsBonded() {
			m.startEncryption(peer, rec)
			return
		}
		m.createBondLe(peer)

	default:
		m.log.Debugf("dropping smp opcode 0x%02x from %s, no negotiation active", pdu[0], peer)
	}
}

// OnPairingPromptAccepted relays a user response to the pairing prompt.
// Replies for peers with no active handler are dropped as stale.
func (m *Manager) OnPairingPromptAccepted(peer security.AddressWithType, accepted bool) {
	m.routeUIReply(peer, pairing.UIReply{Kind: pairing.ReplyPromptAccepted, Confirmed: accepted})
}

func (m *Manager) OnConfirmYesNo(peer security.AddressWithType, confirmed bool) {
	m.routeUIReply(peer, pairing.UIReply{Kind: pairing.ReplyConfirmYesNo, Confirmed: confirmed})
}

func (m *Manager) OnPasskeyEntry(peer security.AddressWithType, passkey uint32) {
	m.routeUIReply(peer, pairing.UIReply{Kind: pairing.ReplyPasskeyEntry, Confirmed: true, Passkey: passkey})
}

func (m *Manager) routeUIReply(peer security.AddressWithType, reply pairing.UIReply) {
	m.smCtx.Post(func() {
		if h, ok := m.handlers[peer.Address]; ok {
			h.OnUIReply(reply)
			return
		}
		if m.pendingLe != nil && m.pendingLe.peer == peer {
			m.pendingLe.handler.OnUIReply(reply)
			return
		}
		m.log.Debugf("dropping stale ui reply for %s", peer)
	})
}
