// Package pairing implements the per-negotiation protocol state
// machines. Exactly two handler variants exist, one per transport;
// both funnel every termination path into a single terminal callback
// that fires at most once.
package pairing

import (
	"time"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/task"
)

// DefaultTimeout bounds a negotiation that stops making progress.
const DefaultTimeout = time.Minute

type UIReplyKind int

const (
	ReplyPromptAccepted UIReplyKind = iota
	ReplyConfirmYesNo
	ReplyPasskeyEntry
)

// UIReply is a user response forwarded by the security manager to the
// active handler for the prompt's target peer.
type UIReply struct {
	Kind      UIReplyKind
	Confirmed bool
	Passkey   uint32
}

// Handler is the pairing-negotiation capability. All methods must be
// invoked on the SM context; the terminal callback is invoked there
// too, exactly once per negotiation.
type Handler interface {
	// Initiate starts the machine. locallyInitiated selects the
	// initiator or responder role.
	Initiate(locallyInitiated bool)

	// Cancel aborts with a cancelled result; Abort aborts with the
	// given reason. Both still deliver the terminal callback.
	Cancel()
	Abort(reason security.FailureReason)

	// OnEvent feeds a classic link-level event.
	OnEvent(evt security.Event)

	// OnCommand feeds an inbound SMP PDU (LE only).
	OnCommand(pdu []byte)

	// OnEncryptionChange reports a link encryption transition.
	OnEncryptionChange(enabled bool)

	// OnUIReply feeds a user response to an outstanding prompt.
	OnUIReply(reply UIReply)
}

// base carries the terminal-callback bookkeeping shared by both
// handler variants. No locking: everything runs on the SM context,
// including the watchdog expiry, which arrives as a posted task.
type base struct {
	peer     security.AddressWithType
	smCtx    *task.Context
	terminal func(security.PairingResult)
	watchdog *time.Timer
	finished bool
	log      security.Logger
}

func newBase(peer security.AddressWithType, smCtx *task.Context,
	terminal func(security.PairingResult), log security.Logger) base {
	return base{peer: peer, smCtx: smCtx, terminal: terminal, log: log}
}

func (b *base) armWatchdog(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	b.watchdog = b.smCtx.PostDelayed(d, func() {
		b.fail(security.FailureTimeout)
	})
}

func (b *base) done() bool {
	return b.finished
}

func (b *base) finish(res security.PairingResult) {
	if b.finished {
		return
	}
	b.finished = true
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	b.terminal(res)
}

func (b *base) succeed(keys *security.KeyMaterial, authenticated bool) {
	b.finish(security.SuccessResult(b.peer, keys, authenticated))
}

func (b *base) fail(reason security.FailureReason) {
	b.finish(security.FailureResult(b.peer, reason))
}
