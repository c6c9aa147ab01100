package manager

import (
	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/record"
)

type policyWaiter struct {
	policy security.Policy
	cb     security.PolicyCallback
}

type lePolicyWaiter struct {
	policy security.LePolicy
	cb     security.PolicyCallback
}

// EnforceSecurityPolicy answers whether peer's classic link meets
// policy, triggering pairing or encryption when it does not. The
// callback resolves exactly once, inline or after the remedy settles.
func (m *Manager) EnforceSecurityPolicy(peer security.AddressWithType,
	policy security.Policy, cb security.PolicyCallback) {
	m.smCtx.Post(func() {
		rec := m.db.FindOrCreate(peer)

		switch policy {
		case security.PolicySdpOnlyNoSecurity:
			cb(true)
			return
		case security.PolicyBestEffort:
			//permitted as-is; raise the link opportunistically
			cb(true)
			if !rec.IsBonded() && !m.hasHandler(peer) {
				m.createBondClassic(peer)
			}
			return
		}

		if rec.Satisfies(policy) {
			cb(true)
			return
		}

		m.policyWaiters[peer.Address] = append(m.policyWaiters[peer.Address],
			policyWaiter{policy: policy, cb: cb})

		if rec.IsBonded() {
			//credentials exist, only the encrypted bit is missing
			m.startEncryption(peer, rec)
			return
		}
		m.createBondClassic(peer)
	})
}

// EnforceLeSecurityPolicy mirrors EnforceSecurityPolicy for LE.
func (m *Manager) EnforceLeSecurityPolicy(peer security.AddressWithType,
	policy security.LePolicy, cb security.PolicyCallback) {
	m.smCtx.Post(func() {
		rec := m.db.FindOrCreate(peer)

		if policy == security.LePolicyNoSecurity {
			cb(true)
			return
		}
		if rec.SatisfiesLe(policy) {
			//already-encrypted fast path included
			cb(true)
			return
		}

		m.lePolicyWaiters[peer.Address] = append(m.lePolicyWaiters[peer.Address],
			lePolicyWaiter{policy: policy, cb: cb})

		if rec.IsBonded() {
			m.startEncryption(peer, rec)
			return
		}
		m.createBondLe(peer)
	})
}

func (m *Manager) startEncryption(peer security.AddressWithType, rec *record.SecurityRecord) {
	if m.cfg.Encrypter == nil {
		m.resolvePolicyWaiters(peer)
		return
	}
	if err := m.cfg.Encrypter.Encrypt(peer, rec.Keys); err != nil {
		m.log.Errorf("encryption start failed for %s: %v", peer, err)
		m.resolvePolicyWaiters(peer)
	}
	//the encryption-change event resolves the waiters
}

// resolvePolicyWaiters re-evaluates every pending policy query for
// peer against the current record and removes the entries.
func (m *Manager) resolvePolicyWaiters(peer security.AddressWithType) {
	rec, ok := m.db.Find(peer.Address)

	for _, w := range m.policyWaiters[peer.Address] {
		w.cb(ok && rec.Satisfies(w.policy))
	}
	delete(m.policyWaiters, peer.Address)

	for _, w := range m.lePolicyWaiters[peer.Address] {
		w.cb(ok && rec.SatisfiesLe(w.policy))
	}
	delete(m.lePolicyWaiters, peer.Address)
}
