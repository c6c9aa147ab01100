package pairing

import (
	"time"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/smp"
	"github.com/rigado/ble-security/task"
)

// ClassicParams configures one classic (BR/EDR) negotiation.
type ClassicParams struct {
	Peer    security.AddressWithType
	Channel security.CommandChannel
	UI      security.UI

	IoCap   security.IoCapability
	AuthReq security.AuthRequirements
	OobData security.OobDataPresent

	// LinkKey is the existing credential, if the peer is already
	// bonded, used to answer a link key request.
	LinkKey []byte

	SmCtx    *task.Context
	Complete func(security.PairingResult)
	Timeout  time.Duration
	Log      security.Logger
}

type classicState int

const (
	classicIdle classicState = iota
	classicWaitCapabilities
	classicWaitUserInput
	classicWaitPairingComplete
)

// ClassicHandler drives secure simple pairing over the classic
// transport. The controller performs the cryptographic exchange; this
// machine answers the HCI request events and collects the link key.
type ClassicHandler struct {
	base
	params ClassicParams

	state            classicState
	locallyInitiated bool
	method           smp.Method
	remoteIoCap      security.IoCapability
	remoteAuthReq    security.AuthRequirements
	linkKey          []byte
}

func NewClassic(p ClassicParams) *ClassicHandler {
	return &ClassicHandler{
		base:   newBase(p.Peer, p.SmCtx, p.Complete, p.Log),
		params: p,
		method: smp.JustWorks,
	}
}

func (h *ClassicHandler) Initiate(locallyInitiated bool) {
	h.locallyInitiated = locallyInitiated
	h.state = classicWaitCapabilities
	h.armWatchdog(h.params.Timeout)

	if !locallyInitiated {
		return
	}

	if err := h.params.Channel.SendAuthenticationRequested(h.peer.Address); err != nil {
		h.log.Errorf("authentication request failed: %v", err)
		h.fail(security.FailureProtocolError)
	}
}

func (h *ClassicHandler) Cancel() {
	if h.done() {
		return
	}
	if h.params.UI != nil {
		h.params.UI.CancelPrompt(h.peer)
	}
	h.fail(security.FailureCancelled)
}

func (h *ClassicHandler) Abort(reason security.FailureReason) {
	h.fail(reason)
}

func (h *ClassicHandler) OnCommand(pdu []byte) {
	h.log.Warnf("classic handler ignoring smp command for %s", h.peer)
}

func (h *ClassicHandler) OnEncryptionChange(enabled bool) {
	//encryption transitions on classic are reported to listeners by
	//the manager; the handler completes on link key delivery
}

func (h *ClassicHandler) OnEvent(evt security.Event) {
	if h.done() {
		return
	}

	switch e := evt.(type) {
	case security.LinkKeyRequest:
		h.onLinkKeyRequest()
	case security.IoCapabilityRequest:
		h.onIoCapabilityRequest()
	case security.IoCapabilityResponse:
		h.onIoCapabilityResponse(e)
	case security.UserConfirmationRequest:
		h.onUserConfirmationRequest(e)
	case security.UserPasskeyRequest:
		h.onUserPasskeyRequest()
	case security.UserPasskeyNotification:
		h.onUserPasskeyNotification(e)
	case security.SimplePairingComplete:
		h.onSimplePairingComplete(e)
	case security.LinkKeyNotification:
		h.onLinkKeyNotification(e)
	case security.AuthenticationComplete:
		h.onAuthenticationComplete(e)
	default:
		h.log.Debugf("classic handler dropping event %T for %s", evt, h.peer)
	}
}

func (h *ClassicHandler) onLinkKeyRequest() {
	if len(h.params.LinkKey) > 0 {
		if err := h.params.Channel.SendLinkKeyRequestReply(h.peer.Address, h.params.LinkKey); err != nil {
			h.fail(security.FailureProtocolError)
		}
		return
	}
	if err := h.params.Channel.SendLinkKeyRequestNegativeReply(h.peer.Address); err != nil {
		h.fail(security.FailureProtocolError)
	}
}

func (h *ClassicHandler) onIoCapabilityRequest() {
	err := h.params.Channel.SendIoCapabilityReply(h.peer.Address,
		h.params.IoCap, h.params.OobData, h.params.AuthReq)
	if err != nil {
		h.fail(security.FailureProtocolError)
	}
}

func (h *ClassicHandler) onIoCapabilityResponse(e security.IoCapabilityResponse) {
	h.remoteIoCap = e.IoCap
	h.remoteAuthReq = e.AuthReq
	h.method = classicMethod(h.params.IoCap, e.IoCap,
		h.params.AuthReq.Mitm(), e.AuthReq.Mitm())
	h.log.Infof("classic pairing with %s using '%v'", h.peer, h.method)
}

func (h *ClassicHandler) onUserConfirmationRequest(e security.UserConfirmationRequest) {
	h.state = classicWaitUserInput

	if h.params.UI == nil {
		if h.method == smp.JustWorks {
			h.replyConfirmation(true)
			return
		}
		h.log.Errorf("no ui registered for %v pairing with %s", h.method, h.peer)
		h.replyConfirmation(false)
		h.fail(security.FailureAuthenticationFailure)
		return
	}

	switch h.method {
	case smp.NumericComp:
		h.params.UI.DisplayConfirmValue(h.peer, e.NumericValue)
	default:
		h.params.UI.DisplayPairingPrompt(h.peer)
	}
}

func (h *ClassicHandler) onUserPasskeyRequest() {
	h.state = classicWaitUserInput

	if h.params.UI == nil {
		h.log.Errorf("no ui registered for passkey pairing with %s", h.peer)
		_ = h.params.Channel.SendUserPasskeyReply(h.peer.Address, 0, false)
		h.fail(security.FailureAuthenticationFailure)
		return
	}
	h.params.UI.DisplayPasskeyEntry(h.peer)
}

func (h *ClassicHandler) onUserPasskeyNotification(e security.UserPasskeyNotification) {
	if h.params.UI != nil {
		h.params.UI.DisplayPasskey(h.peer, e.Passkey)
	}
}

func (h *ClassicHandler) onSimplePairingComplete(e security.SimplePairingComplete) {
	if e.Status != 0 {
		h.log.Warnf("simple pairing with %s failed, status 0x%02x", h.peer, e.Status)
		h.fail(security.FailureAuthenticationFailure)
		return
	}
	h.state = classicWaitPairingComplete
}

func (h *ClassicHandler) onLinkKeyNotification(e security.LinkKeyNotification) {
	h.linkKey = e.Key
	keys := &security.KeyMaterial{LinkKey: e.Key}
	h.succeed(keys, h.method != smp.JustWorks)
}

func (h *ClassicHandler) onAuthenticationComplete(e security.AuthenticationComplete) {
	if e.Status != 0 {
		h.fail(security.FailureAuthenticationFailure)
	}
}

func (h *ClassicHandler) OnUIReply(reply UIReply) {
	if h.done() || h.state != classicWaitUserInput {
		h.log.Debugf("dropping stale ui reply for %s", h.peer)
		return
	}

	switch reply.Kind {
	case ReplyPromptAccepted, ReplyConfirmYesNo:
		h.replyConfirmation(reply.Confirmed)
		if !reply.Confirmed {
			reason := security.FailureNumericComparisonRejected
			if h.method != smp.NumericComp {
				reason = security.FailureAuthenticationFailure
			}
			h.fail(reason)
		}
	case ReplyPasskeyEntry:
		if err := h.params.Channel.SendUserPasskeyReply(h.peer.Address, reply.Passkey, reply.Confirmed); err != nil {
			h.fail(security.FailureProtocolError)
			return
		}
		if !reply.Confirmed {
			h.fail(security.FailureAuthenticationFailure)
		}
	}
	h.state = classicWaitPairingComplete
}

func (h *ClassicHandler) replyConfirmation(accept bool) {
	if err := h.params.Channel.SendUserConfirmationReply(h.peer.Address, accept); err != nil {
		h.fail(security.FailureProtocolError)
	}
}

// classicMethod selects the SSP association model from the exchanged
// IO capabilities. Core spec Vol 3, Part C, 5.2.2.6.
func classicMethod(local, remote security.IoCapability, localMitm, remoteMitm bool) smp.Method {
	if !localMitm && !remoteMitm {
		return smp.JustWorks
	}

	if local >= security.IoCapsReservedStart || remote >= security.IoCapsReservedStart {
		return smp.JustWorks
	}

	return classicMethodTable[remote][local]
}

var classicMethodTable = [][]smp.Method{
	{smp.JustWorks, smp.NumericComp, smp.Passkey, smp.JustWorks, smp.NumericComp},
	{smp.NumericComp, smp.NumericComp, smp.Passkey, smp.JustWorks, smp.NumericComp},
	{smp.Passkey, smp.Passkey, smp.Passkey, smp.JustWorks, smp.Passkey},
	{smp.JustWorks, smp.JustWorks, smp.JustWorks, smp.JustWorks, smp.JustWorks},
	{smp.NumericComp, smp.NumericComp, smp.Passkey, smp.JustWorks, smp.NumericComp},
}
