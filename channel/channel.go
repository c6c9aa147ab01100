// Package channel tracks the LE fixed channels the security manager
// holds open and owns their dequeue registrations. A channel must be
// released, which unregisters the dequeue sink before closing, so the
// transport layer never invokes into freed state.
package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/task"
)

// Registry is the per-peer table of open channels. It is owned by the
// SM context and needs no locking.
type Registry struct {
	entries map[security.AddressWithType]security.FixedChannel
	log     security.Logger
}

func NewRegistry(log security.Logger) *Registry {
	return &Registry{
		entries: make(map[security.AddressWithType]security.FixedChannel),
		log:     log,
	}
}

// Add takes ownership of ch and registers sink as its dequeue target.
// An existing channel for the same peer is released first.
func (r *Registry) Add(ch security.FixedChannel, sink func(pdu []byte)) {
	peer := ch.Peer()
	if old, ok := r.entries[peer]; ok {
		r.log.Warnf("replacing open channel for %s", peer)
		r.release(old)
	}
	ch.RegisterDequeue(sink)
	r.entries[peer] = ch
}

func (r *Registry) Find(peer security.AddressWithType) (security.FixedChannel, bool) {
	ch, ok := r.entries[peer]
	return ch, ok
}

// Release drops the peer's channel after unregistering its dequeue.
func (r *Registry) Release(peer security.AddressWithType) bool {
	ch, ok := r.entries[peer]
	if !ok {
		return false
	}
	delete(r.entries, peer)
	r.release(ch)
	return true
}

// Drop forgets the peer's channel without closing it, for use when the
// transport reports the connection already gone.
func (r *Registry) Drop(peer security.AddressWithType) bool {
	ch, ok := r.entries[peer]
	if !ok {
		return false
	}
	delete(r.entries, peer)
	ch.UnregisterDequeue()
	return true
}

// ReleaseAll tears down every open channel, for shutdown.
func (r *Registry) ReleaseAll() {
	for peer, ch := range r.entries {
		delete(r.entries, peer)
		r.release(ch)
	}
}

func (r *Registry) Count() int {
	return len(r.entries)
}

func (r *Registry) release(ch security.FixedChannel) {
	ch.UnregisterDequeue()
	if err := ch.Close(); err != nil {
		r.log.Warnf("channel close for %s: %v", ch.Peer(), err)
	}
}

// Opener dials LE fixed channels with bounded exponential retry.
// Connection outcomes still arrive through the channel listener; retry
// covers only synchronous dial errors.
type Opener struct {
	raw   security.ChannelOpener
	smCtx *task.Context
	log   security.Logger

	// MaxElapsed bounds the whole retry sequence.
	MaxElapsed time.Duration
}

func NewOpener(raw security.ChannelOpener, smCtx *task.Context, log security.Logger) *Opener {
	return &Opener{raw: raw, smCtx: smCtx, log: log, MaxElapsed: 10 * time.Second}
}

// Connect dials peer, retrying with exponential backoff. onGiveUp is
// posted to the SM context once the retry budget is exhausted.
func (o *Opener) Connect(peer security.AddressWithType, onGiveUp func(error)) {
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxElapsedTime = o.MaxElapsed

		err := backoff.Retry(func() error {
			err := o.raw.ConnectTo(peer)
			if err != nil {
				o.log.Debugf("dial %s: %v", peer, err)
			}
			return err
		}, bo)
		if err == nil {
			return
		}

		o.log.Warnf("giving up dialing %s: %v", peer, err)
		o.smCtx.Post(func() { onGiveUp(err) })
	}()
}
