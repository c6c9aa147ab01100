package pairing

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"time"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/sliceops"
	"github.com/rigado/ble-security/smp"
	"github.com/rigado/ble-security/task"
)

// LeParams configures one LE negotiation over an open fixed channel.
type LeParams struct {
	Peer      security.AddressWithType
	Local     security.AddressWithType
	Channel   security.FixedChannel
	Encrypter security.Encrypter
	UI        security.UI

	Config security.LeConfig

	// RemoteOob is the peer's confirm/random pair delivered out of
	// band, if any. LocalOob is the pair previously handed to the peer
	// for the mirror check; LocalOobKeys is the ECDH pair its confirm
	// commits to, which must also be the pair used in the exchange.
	RemoteOob    *security.OobData
	LocalOob     *security.OobData
	LocalOobKeys *smp.ECDHKeys

	SmCtx    *task.Context
	Complete func(security.PairingResult)
	Timeout  time.Duration
	Log      security.Logger
}

type leState int

const (
	leIdle leState = iota
	leWaitPairingReq
	leWaitPairingRsp
	leWaitPublicKey
	leWaitConfirm
	leWaitRandom
	leWaitUserInput
	leWaitDHKeyCheck
	leWaitEncryption
	leWaitKeyDist
	leWaitLegacyConfirm
	leWaitLegacyRandom
)

// LeHandler drives SMP over the LE transport, both roles. Legacy
// pairing is supported as initiator only; a legacy request from a peer
// is refused with pairing-not-supported.
type LeHandler struct {
	base
	params LeParams

	state leState
	ctx   *smp.Context

	// tk is the legacy temporary key, most-significant-byte first.
	tk []byte

	// r inputs for the dhkey checks: the own check carries the value
	// received from the peer, the peer check the value we provided.
	ownCheckR  []byte
	peerCheckR []byte

	passkey      uint32
	afterPasskey func()

	// pendingCheck and pendingConfirm park peer messages that arrived
	// while a user prompt was still open.
	pendingCheck   []byte
	pendingConfirm []byte

	distLtk   []byte
	distEDiv  uint16
	distRand  uint64
	haveLtk   bool
	haveIdent bool
}

func NewLe(p LeParams) *LeHandler {
	return &LeHandler{
		base:   newBase(p.Peer, p.SmCtx, p.Complete, p.Log),
		params: p,
		ctx:    &smp.Context{},
	}
}

// LongTermKey exposes the negotiated key so the manager can answer a
// controller long-term-key request during responder encryption.
func (h *LeHandler) LongTermKey() []byte {
	return h.ctx.LongTermKey
}

func (h *LeHandler) Initiate(locallyInitiated bool) {
	h.ctx.Responder = !locallyInitiated
	h.ctx.LocalAddr = h.params.Local.Address.Bytes()
	h.ctx.LocalAddrType = leAddrTypeByte(h.params.Local.Type)
	h.ctx.RemoteAddr = h.peer.Address.Bytes()
	h.ctx.RemoteAddrType = leAddrTypeByte(h.peer.Type)
	h.armWatchdog(h.params.Timeout)

	if !locallyInitiated {
		h.state = leWaitPairingReq
		return
	}

	h.ctx.Request = h.params.Config
	if h.params.RemoteOob != nil {
		h.ctx.Request.OobFlag = security.OobPresent
	}
	if !h.send(smp.BuildPairingReq(h.ctx.Request)) {
		return
	}
	h.state = leWaitPairingRsp
}

func (h *LeHandler) Cancel() {
	if h.done() {
		return
	}
	if h.params.UI != nil {
		h.params.UI.CancelPrompt(h.peer)
	}
	_, _ = h.params.Channel.Write([]byte{smp.OpPairingFailed, smp.ReasonUnspecified})
	h.fail(security.FailureCancelled)
}

func (h *LeHandler) Abort(reason security.FailureReason) {
	h.fail(reason)
}

func (h *LeHandler) OnEvent(evt security.Event) {
	h.log.Debugf("le handler dropping classic event %T for %s", evt, h.peer)
}

func (h *LeHandler) OnCommand(pdu []byte) {
	if h.done() || len(pdu) == 0 {
		return
	}

	switch pdu[0] {
	case smp.OpPairingFailed:
		h.onPairingFailed(pdu)
	case smp.OpPairingRequest:
		h.onPairingRequest(pdu)
	case smp.OpPairingResponse:
		h.onPairingResponse(pdu)
	case smp.OpPairingPublicKey:
		h.onPublicKey(pdu)
	case smp.OpPairingConfirm:
		h.onConfirm(pdu)
	case smp.OpPairingRandom:
		h.onRandom(pdu)
	case smp.OpPairingDHKeyCheck:
		h.onDHKeyCheck(pdu)
	case smp.OpEncryptionInformation:
		h.onEncryptionInformation(pdu)
	case smp.OpCentralIdentification:
		h.onCentralIdentification(pdu)
	case smp.OpPairingKeypress:
		//informational only
	default:
		h.log.Warnf("unexpected smp opcode 0x%02x from %s", pdu[0], h.peer)
		h.sendFailed(smp.ReasonCommandNotSupported, security.FailureProtocolError)
	}
}

func (h *LeHandler) OnEncryptionChange(enabled bool) {
	if h.done() {
		return
	}
	if !enabled {
		h.fail(security.FailureAuthenticationFailure)
		return
	}
	if h.state != leWaitEncryption {
		return
	}

	if !h.ctx.Legacy {
		h.succeed(&security.KeyMaterial{LongTermKey: h.ctx.LongTermKey},
			h.ctx.Method != smp.JustWorks)
		return
	}

	//legacy: the link now runs on the stk, key distribution follows
	if h.ctx.Response.RespKeyDist&0x01 == 0 {
		h.succeed(nil, h.ctx.Method != smp.JustWorks)
		return
	}
	h.state = leWaitKeyDist
}

func (h *LeHandler) OnUIReply(reply UIReply) {
	if h.done() || h.state != leWaitUserInput {
		h.log.Debugf("dropping stale ui reply for %s", h.peer)
		return
	}

	switch reply.Kind {
	case ReplyPromptAccepted, ReplyConfirmYesNo:
		if !reply.Confirmed {
			h.sendFailed(smp.ReasonNumericCompFailed, security.FailureNumericComparisonRejected)
			return
		}
		h.onUserConfirmed()
	case ReplyPasskeyEntry:
		if !reply.Confirmed {
			h.sendFailed(smp.ReasonPasskeyEntryFailed, security.FailureAuthenticationFailure)
			return
		}
		h.passkey = reply.Passkey
		next := h.afterPasskey
		h.afterPasskey = nil
		if next != nil {
			next()
		}
	}
}

func (h *LeHandler) onUserConfirmed() {
	if !h.ctx.Responder {
		h.sendDHKeyCheck()
		return
	}

	h.state = leWaitDHKeyCheck
	if h.pendingCheck != nil {
		check := h.pendingCheck
		h.pendingCheck = nil
		h.handlePeerCheck(check)
	}
}

func (h *LeHandler) onPairingFailed(pdu []byte) {
	reason := byte(smp.ReasonUnspecified)
	if len(pdu) > 1 {
		reason = pdu[1]
	}
	desc := "unknown"
	if int(reason) < len(smp.FailedReasonStrings) {
		desc = smp.FailedReasonStrings[reason]
	}
	h.log.Warnf("pairing with %s failed by peer: %s", h.peer, desc)
	h.fail(failureFromReason(reason))
}

func (h *LeHandler) onPairingRequest(pdu []byte) {
	if h.state != leWaitPairingReq {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	req, err := smp.ParseFeatures(pdu[1:])
	if err != nil {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	if smp.IsLegacy(req.AuthReq) {
		h.log.Warnf("refusing legacy pairing request from %s", h.peer)
		h.sendFailed(smp.ReasonPairingNotSupported, security.FailurePairingNotSupported)
		return
	}

	h.ctx.Request = req
	h.ctx.Response = h.params.Config
	if h.params.RemoteOob != nil {
		h.ctx.Response.OobFlag = security.OobPresent
	}
	if !h.send(smp.BuildPairingRsp(h.ctx.Response)) {
		return
	}
	h.startKeyGeneration()
}

func (h *LeHandler) onPairingResponse(pdu []byte) {
	if h.state != leWaitPairingRsp {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	rsp, err := smp.ParseFeatures(pdu[1:])
	if err != nil {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	if rsp.MaxKeySize < 7 || rsp.MaxKeySize > 16 {
		h.sendFailed(smp.ReasonEncryptionKeySize, security.FailureProtocolError)
		return
	}

	h.ctx.Response = rsp
	h.startKeyGeneration()
}

// startKeyGeneration runs once both feature sets are known.
func (h *LeHandler) startKeyGeneration() {
	h.ctx.Legacy = smp.IsLegacy(h.ctx.Request.AuthReq) || smp.IsLegacy(h.ctx.Response.AuthReq)
	h.ctx.Method = h.ctx.SelectMethod()
	h.log.Infof("le pairing with %s using '%v' (legacy=%v responder=%v)",
		h.peer, h.ctx.Method, h.ctx.Legacy, h.ctx.Responder)

	if h.ctx.Legacy {
		h.startLegacy()
		return
	}

	keys := h.params.LocalOobKeys
	if keys == nil {
		var err error
		keys, err = smp.GenerateKeys()
		if err != nil {
			h.log.Errorf("ecdh key generation failed: %v", err)
			h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
			return
		}
	}
	h.ctx.Keys = keys

	if h.ctx.Responder {
		h.state = leWaitPublicKey
		return
	}
	if !h.send(append([]byte{smp.OpPairingPublicKey}, smp.MarshalPublicKeyXY(keys.Public)...)) {
		return
	}
	h.state = leWaitPublicKey
}

func (h *LeHandler) onPublicKey(pdu []byte) {
	if h.state != leWaitPublicKey || h.ctx.Legacy {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	pub, ok := smp.UnmarshalPublicKey(pdu[1:])
	if !ok {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.ctx.RemotePubKey = pub

	if h.ctx.Responder {
		if !h.send(append([]byte{smp.OpPairingPublicKey}, smp.MarshalPublicKeyXY(h.ctx.Keys.Public)...)) {
			return
		}
	}

	switch h.ctx.Method {
	case smp.Passkey:
		h.resolvePasskey(h.startScPasskey)
	case smp.Oob:
		h.startScOob()
	default:
		h.startScNumeric()
	}
}

// startScNumeric begins stage 1 for just-works and numeric comparison.
func (h *LeHandler) startScNumeric() {
	if !h.ctx.Responder {
		h.state = leWaitConfirm
		return
	}

	//responder computes and sends Cb before any random flows
	if _, err := h.ctx.NewLocalRandom(); err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	conf, err := smp.F4(smp.MarshalPublicKeyX(h.ctx.Keys.Public),
		smp.MarshalPublicKeyX(h.ctx.RemotePubKey), h.ctx.LocalRandom, 0)
	if err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	if !h.send(append([]byte{smp.OpPairingConfirm}, conf...)) {
		return
	}
	h.state = leWaitRandom
}

func (h *LeHandler) startScPasskey() {
	h.ctx.PassKeyIteration = 0
	if h.ctx.Responder {
		h.state = leWaitConfirm
		if h.pendingConfirm != nil {
			conf := h.pendingConfirm
			h.pendingConfirm = nil
			h.OnCommand(append([]byte{smp.OpPairingConfirm}, conf...))
		}
		return
	}
	h.sendPasskeyConfirm()
}

func (h *LeHandler) sendPasskeyConfirm() {
	conf, nai, err := h.ctx.GeneratePassKeyConfirm(h.ctx.PassKeyIteration, h.passkey)
	if err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	h.ctx.LocalRandom = nai
	if !h.send(append([]byte{smp.OpPairingConfirm}, conf...)) {
		return
	}
	if h.ctx.Responder {
		h.state = leWaitRandom
	} else {
		h.state = leWaitConfirm
	}
}

func (h *LeHandler) startScOob() {
	if h.params.RemoteOob == nil {
		h.log.Warnf("peer %s requires oob data, none set", h.peer)
		h.sendFailed(smp.ReasonOobNotAvailable, security.FailureOobNotAvailable)
		return
	}

	//verify the confirm the peer delivered out of band against its key
	px := smp.MarshalPublicKeyX(h.ctx.RemotePubKey)
	conf, err := smp.F4(px, px, h.params.RemoteOob.Random, 0)
	if err != nil || !bytes.Equal(conf, h.params.RemoteOob.Confirm) {
		h.sendFailed(smp.ReasonConfirmValueFailed, security.FailureConfirmMismatch)
		return
	}

	if _, err := h.ctx.NewLocalRandom(); err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	if h.ctx.Responder {
		h.state = leWaitRandom
		return
	}
	if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
		return
	}
	h.state = leWaitRandom
}

func (h *LeHandler) onConfirm(pdu []byte) {
	if len(pdu) != 17 {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	if h.ctx.Legacy {
		h.onLegacyConfirm(pdu[1:])
		return
	}
	if h.state == leWaitUserInput && h.ctx.Responder && h.ctx.Method == smp.Passkey {
		//initiator round started before the local passkey was entered
		h.pendingConfirm = pdu[1:]
		return
	}
	if h.state != leWaitConfirm {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.ctx.RemoteConfirm = pdu[1:]

	if h.ctx.Method == smp.Passkey {
		if h.ctx.Responder {
			//answer the initiator round before the randoms flow
			h.sendPasskeyConfirm()
			return
		}
		if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
			return
		}
		h.state = leWaitRandom
		return
	}

	//just works / numeric comparison, initiator side
	if _, err := h.ctx.NewLocalRandom(); err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
		return
	}
	h.state = leWaitRandom
}

func (h *LeHandler) onRandom(pdu []byte) {
	if len(pdu) != 17 {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	if h.ctx.Legacy {
		h.onLegacyRandom(pdu[1:])
		return
	}
	if h.state != leWaitRandom {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.ctx.RemoteRandom = pdu[1:]

	switch h.ctx.Method {
	case smp.Passkey:
		h.onPasskeyRandom()
	case smp.Oob:
		h.onOobRandom()
	default:
		h.onNumericRandom()
	}
}

func (h *LeHandler) onNumericRandom() {
	if !h.ctx.Responder {
		if err := h.ctx.CheckConfirm(); err != nil {
			h.log.Warnf("confirm check failed for %s: %v", h.peer, err)
			h.sendFailed(smp.ReasonConfirmValueFailed, security.FailureConfirmMismatch)
			return
		}
	} else if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
		return
	}

	if h.ctx.Method == smp.NumericComp {
		h.promptNumericCompare()
		return
	}
	h.finishStageOne()
}

func (h *LeHandler) promptNumericCompare() {
	v, err := h.ctx.NumericCompareValue()
	if err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	if h.params.UI == nil {
		h.log.Errorf("no ui registered for numeric comparison with %s", h.peer)
		h.sendFailed(smp.ReasonNumericCompFailed, security.FailureAuthenticationFailure)
		return
	}
	h.state = leWaitUserInput
	h.params.UI.DisplayConfirmValue(h.peer, v)
}

func (h *LeHandler) onPasskeyRandom() {
	if err := h.ctx.CheckPasskeyConfirm(h.ctx.PassKeyIteration, h.passkey); err != nil {
		h.log.Warnf("passkey round %d failed for %s: %v", h.ctx.PassKeyIteration, h.peer, err)
		h.sendFailed(smp.ReasonConfirmValueFailed, security.FailureConfirmMismatch)
		return
	}

	if h.ctx.Responder {
		if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
			return
		}
	}

	h.ctx.PassKeyIteration++
	if h.ctx.PassKeyIteration < smp.PasskeyIterationCount {
		if h.ctx.Responder {
			h.state = leWaitConfirm
		} else {
			h.sendPasskeyConfirm()
		}
		return
	}
	h.finishStageOne()
}

func (h *LeHandler) onOobRandom() {
	if h.ctx.Responder {
		if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
			return
		}
	}
	h.finishStageOne()
}

// finishStageOne moves to the dhkey checks once the final randoms are
// in both contexts.
func (h *LeHandler) finishStageOne() {
	h.setCheckInputs()

	if h.ctx.Responder {
		h.state = leWaitDHKeyCheck
		return
	}
	h.sendDHKeyCheck()
}

func (h *LeHandler) setCheckInputs() {
	zeros := make([]byte, 16)
	switch h.ctx.Method {
	case smp.Passkey:
		r := sliceops.SwapBuf(smp.LegacyTK(h.passkey))
		h.ownCheckR, h.peerCheckR = r, r
	case smp.Oob:
		h.ownCheckR, h.peerCheckR = zeros, zeros
		if h.params.RemoteOob != nil {
			h.ownCheckR = h.params.RemoteOob.Random
		}
		if h.params.LocalOob != nil {
			h.peerCheckR = h.params.LocalOob.Random
		}
	default:
		h.ownCheckR, h.peerCheckR = zeros, zeros
	}
}

func (h *LeHandler) sendDHKeyCheck() {
	if err := h.ctx.CalcMacLtk(); err != nil {
		h.log.Errorf("ltk derivation failed for %s: %v", h.peer, err)
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}

	check, err := h.ctx.DHKeyCheckValue(h.ownCheckR)
	if err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	if !h.send(append([]byte{smp.OpPairingDHKeyCheck}, check...)) {
		return
	}
	h.state = leWaitDHKeyCheck
}

func (h *LeHandler) onDHKeyCheck(pdu []byte) {
	if len(pdu) != 17 || h.ctx.Legacy {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}

	if h.state == leWaitUserInput && h.ctx.Responder {
		//initiator finished before the local prompt; park its check
		h.pendingCheck = pdu[1:]
		return
	}
	if h.state != leWaitDHKeyCheck {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.handlePeerCheck(pdu[1:])
}

func (h *LeHandler) handlePeerCheck(check []byte) {
	if h.ctx.Responder {
		if err := h.ctx.CalcMacLtk(); err != nil {
			h.log.Errorf("ltk derivation failed for %s: %v", h.peer, err)
			h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
			return
		}
	}

	exp, err := h.ctx.PeerDHKeyCheckValue(h.peerCheckR)
	if err != nil || !bytes.Equal(exp, check) {
		h.log.Warnf("dhkey check failed for %s", h.peer)
		h.sendFailed(smp.ReasonDHKeyCheckFailed, security.FailureConfirmMismatch)
		return
	}

	if h.ctx.Responder {
		own, err := h.ctx.DHKeyCheckValue(h.ownCheckR)
		if err != nil {
			h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
			return
		}
		if !h.send(append([]byte{smp.OpPairingDHKeyCheck}, own...)) {
			return
		}
		//the initiator starts encryption; the controller will ask for
		//the ltk via the manager
		h.state = leWaitEncryption
		return
	}

	h.state = leWaitEncryption
	keys := &security.KeyMaterial{LongTermKey: h.ctx.LongTermKey}
	if err := h.params.Encrypter.Encrypt(h.peer, keys); err != nil {
		h.log.Errorf("encryption start failed for %s: %v", h.peer, err)
		h.fail(security.FailureProtocolError)
	}
}

// ---- legacy pairing, initiator only ----

func (h *LeHandler) startLegacy() {
	if h.ctx.Responder {
		h.sendFailed(smp.ReasonPairingNotSupported, security.FailurePairingNotSupported)
		return
	}

	switch h.ctx.Method {
	case smp.Oob:
		if h.params.RemoteOob == nil {
			h.sendFailed(smp.ReasonOobNotAvailable, security.FailureOobNotAvailable)
			return
		}
		h.tk = sliceops.SwapBuf(h.params.RemoteOob.Random)
		h.sendLegacyConfirm()
	case smp.Passkey:
		h.resolvePasskey(func() {
			h.tk = smp.LegacyTK(h.passkey)
			h.sendLegacyConfirm()
		})
	default:
		h.tk = make([]byte, 16)
		h.sendLegacyConfirm()
	}
}

func (h *LeHandler) sendLegacyConfirm() {
	if _, err := h.ctx.NewLocalRandom(); err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	conf, err := h.ctx.LegacyConfirmValue(h.tk)
	if err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	if !h.send(append([]byte{smp.OpPairingConfirm}, conf...)) {
		return
	}
	h.state = leWaitLegacyConfirm
}

func (h *LeHandler) onLegacyConfirm(conf []byte) {
	if h.state != leWaitLegacyConfirm {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.ctx.RemoteConfirm = conf
	if !h.send(append([]byte{smp.OpPairingRandom}, h.ctx.LocalRandom...)) {
		return
	}
	h.state = leWaitLegacyRandom
}

func (h *LeHandler) onLegacyRandom(random []byte) {
	if h.state != leWaitLegacyRandom {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.ctx.RemoteRandom = random

	if err := h.ctx.CheckLegacyConfirm(h.tk); err != nil {
		h.log.Warnf("legacy confirm check failed for %s: %v", h.peer, err)
		h.sendFailed(smp.ReasonConfirmValueFailed, security.FailureConfirmMismatch)
		return
	}
	if err := h.ctx.CalcLegacyStk(h.tk); err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}

	h.state = leWaitEncryption
	stk := &security.KeyMaterial{LongTermKey: h.ctx.ShortTermKey, Legacy: true}
	if err := h.params.Encrypter.Encrypt(h.peer, stk); err != nil {
		h.log.Errorf("encryption start failed for %s: %v", h.peer, err)
		h.fail(security.FailureProtocolError)
	}
}

func (h *LeHandler) onEncryptionInformation(pdu []byte) {
	if h.state != leWaitKeyDist || len(pdu) != 17 {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.distLtk = pdu[1:]
	h.haveLtk = true
	h.maybeFinishKeyDist()
}

func (h *LeHandler) onCentralIdentification(pdu []byte) {
	if h.state != leWaitKeyDist || len(pdu) != 11 {
		h.sendFailed(smp.ReasonInvalidParameters, security.FailureProtocolError)
		return
	}
	h.distEDiv = binary.LittleEndian.Uint16(pdu[1:3])
	h.distRand = binary.LittleEndian.Uint64(pdu[3:11])
	h.haveIdent = true
	h.maybeFinishKeyDist()
}

func (h *LeHandler) maybeFinishKeyDist() {
	if !h.haveLtk || !h.haveIdent {
		return
	}

	if h.ctx.Response.InitKeyDist&0x01 != 0 {
		if !h.distributeLocalKeys() {
			return
		}
	}

	keys := &security.KeyMaterial{
		LongTermKey: h.distLtk,
		EDiv:        h.distEDiv,
		Rand:        h.distRand,
		Legacy:      true,
	}
	h.succeed(keys, h.ctx.Method != smp.JustWorks)
}

// distributeLocalKeys sends a freshly generated ltk for the reverse
// role, as negotiated in the initiator key distribution set.
func (h *LeHandler) distributeLocalKeys() bool {
	buf := make([]byte, 16+2+8)
	if _, err := rand.Read(buf); err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return false
	}
	if !h.send(append([]byte{smp.OpEncryptionInformation}, buf[:16]...)) {
		return false
	}
	return h.send(append([]byte{smp.OpCentralIdentification}, buf[16:]...))
}

// ---- shared helpers ----

func (h *LeHandler) resolvePasskey(next func()) {
	if h.params.UI == nil {
		h.log.Errorf("no ui registered for passkey pairing with %s", h.peer)
		h.sendFailed(smp.ReasonPasskeyEntryFailed, security.FailureAuthenticationFailure)
		return
	}

	if h.ownIoCap() == security.IoCapKeyboardOnly {
		h.state = leWaitUserInput
		h.afterPasskey = next
		h.params.UI.DisplayPasskeyEntry(h.peer)
		return
	}

	key, err := randomPasskey()
	if err != nil {
		h.sendFailed(smp.ReasonUnspecified, security.FailureProtocolError)
		return
	}
	h.passkey = key
	h.params.UI.DisplayPasskey(h.peer, key)
	next()
}

func (h *LeHandler) ownIoCap() security.IoCapability {
	if h.ctx.Responder {
		return h.ctx.Response.IoCap
	}
	return h.ctx.Request.IoCap
}

func (h *LeHandler) send(pdu []byte) bool {
	if _, err := h.params.Channel.Write(pdu); err != nil {
		h.log.Errorf("smp write to %s failed: %v", h.peer, err)
		h.fail(security.FailureProtocolError)
		return false
	}
	return true
}

func (h *LeHandler) sendFailed(reason byte, result security.FailureReason) {
	_, _ = h.params.Channel.Write([]byte{smp.OpPairingFailed, reason})
	h.fail(result)
}

func failureFromReason(reason byte) security.FailureReason {
	switch reason {
	case smp.ReasonConfirmValueFailed, smp.ReasonDHKeyCheckFailed:
		return security.FailureConfirmMismatch
	case smp.ReasonNumericCompFailed:
		return security.FailureNumericComparisonRejected
	case smp.ReasonOobNotAvailable:
		return security.FailureOobNotAvailable
	case smp.ReasonPairingNotSupported, smp.ReasonAuthRequirements:
		return security.FailurePairingNotSupported
	default:
		return security.FailureAuthenticationFailure
	}
}

func leAddrTypeByte(t security.AddressType) byte {
	if t == security.AddressTypeLeRandom {
		return 1
	}
	return 0
}

func randomPasskey() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]) % 1000000, nil
}
