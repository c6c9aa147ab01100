package smp

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"

	security "github.com/rigado/ble-security"
	"github.com/rigado/ble-security/sliceops"
)

// BuildPairingReq encodes the Pairing Request PDU for cfg.
func BuildPairingReq(cfg security.LeConfig) []byte {
	return []byte{OpPairingRequest, byte(cfg.IoCap), byte(cfg.OobFlag), cfg.AuthReq,
		cfg.MaxKeySize, cfg.InitKeyDist, cfg.RespKeyDist}
}

// BuildPairingRsp encodes the Pairing Response PDU for cfg.
func BuildPairingRsp(cfg security.LeConfig) []byte {
	return []byte{OpPairingResponse, byte(cfg.IoCap), byte(cfg.OobFlag), cfg.AuthReq,
		cfg.MaxKeySize, cfg.InitKeyDist, cfg.RespKeyDist}
}

// ParseFeatures decodes the six feature octets of a Pairing
// Request/Response into a LeConfig.
func ParseFeatures(in []byte) (security.LeConfig, error) {
	if len(in) < 6 {
		return security.LeConfig{}, errors.Errorf("%v, invalid length %v", hex.EncodeToString(in), len(in))
	}

	return security.LeConfig{
		IoCap:       security.IoCapability(in[0]),
		OobFlag:     security.OobDataPresent(in[1]),
		AuthReq:     in[2],
		MaxKeySize:  in[3],
		InitKeyDist: in[4],
		RespKeyDist: in[5],
	}, nil
}

// IsLegacy reports whether the peer's auth-req octet forces legacy
// pairing (secure-connections bit clear).
func IsLegacy(authReq byte) bool {
	return authReq&security.LeAuthReqSc == 0
}

// LegacyTK returns the legacy temporary key for a passkey (zero for
// just-works), most-significant-byte first.
func LegacyTK(passkey uint32) []byte {
	tk := make([]byte, 16)
	binary.BigEndian.PutUint32(tk[12:], passkey)
	return tk
}

// Context carries the transient state of one LE negotiation.
// Addresses are held most-significant-byte first, randoms and confirms
// in wire (little-endian) order. Request always holds the initiator's
// features and Response the responder's, regardless of role.
type Context struct {
	Request  security.LeConfig
	Response security.LeConfig

	// Responder is set when the local device answers a remote-initiated
	// pairing.
	Responder bool

	LocalAddr      []byte
	LocalAddrType  byte
	RemoteAddr     []byte
	RemoteAddrType byte

	LocalRandom   []byte
	RemoteRandom  []byte
	RemoteConfirm []byte

	Keys             *ECDHKeys
	RemotePubKey     crypto.PublicKey
	DHKey            []byte
	MacKey           []byte
	RemoteDHKeyCheck []byte

	Legacy       bool
	ShortTermKey []byte
	LongTermKey  []byte

	Method           Method
	PassKeyIteration int
}

// SelectMethod picks the authentication method from the exchanged
// feature sets. Core spec v5.0 Vol 3, Part H, 2.3.5.1, Tables 2.6-2.8.
func (p *Context) SelectMethod() Method {
	req := p.Request
	rsp := p.Response

	if req.OobFlag == security.OobPresent || rsp.OobFlag == security.OobPresent {
		return Oob
	}

	if req.AuthReq&security.LeAuthReqMitm == 0 && rsp.AuthReq&security.LeAuthReqMitm == 0 {
		return JustWorks
	}

	table := methodTableSC
	if p.Legacy {
		table = methodTableLegacy
	}

	if rsp.IoCap >= security.IoCapsReservedStart || req.IoCap >= security.IoCapsReservedStart {
		//reserved io capabilities downgrade to just works
		return JustWorks
	}
	return table[rsp.IoCap][req.IoCap]
}

var methodTableSC = [][]Method{
	{JustWorks, JustWorks, Passkey, JustWorks, Passkey},
	{JustWorks, NumericComp, Passkey, JustWorks, NumericComp},
	{Passkey, Passkey, Passkey, JustWorks, Passkey},
	{JustWorks, JustWorks, JustWorks, JustWorks, JustWorks},
	{Passkey, NumericComp, Passkey, JustWorks, NumericComp},
}

var methodTableLegacy = [][]Method{
	{JustWorks, JustWorks, Passkey, JustWorks, Passkey},
	{JustWorks, JustWorks, Passkey, JustWorks, Passkey},
	{Passkey, Passkey, Passkey, JustWorks, Passkey},
	{JustWorks, JustWorks, JustWorks, JustWorks, JustWorks},
	{Passkey, Passkey, Passkey, JustWorks, Passkey},
}

// NewLocalRandom generates and stores a fresh 16-byte pairing random.
func (p *Context) NewLocalRandom() ([]byte, error) {
	r := make([]byte, 16)
	if _, err := rand.Read(r); err != nil {
		return nil, err
	}
	p.LocalRandom = r
	return r, nil
}

// CheckConfirm verifies the peer confirm for secure-connections
// just-works and numeric comparison.
func (p *Context) CheckConfirm() error {
	if p == nil {
		return errors.New("context nil")
	}

	//Cb = f4(PKbx, PKax, Nb, 0)
	kbx := MarshalPublicKeyX(p.RemotePubKey)
	kax := MarshalPublicKeyX(p.Keys.Public)
	nb := p.RemoteRandom

	calcConf, err := F4(kbx, kax, nb, 0)
	if err != nil {
		return err
	}

	if !bytes.Equal(calcConf, p.RemoteConfirm) {
		return errors.Errorf("confirm mismatch, exp %v got %v",
			hex.EncodeToString(p.RemoteConfirm), hex.EncodeToString(calcConf))
	}

	return nil
}

// CheckPasskeyConfirm verifies one passkey-entry round.
func (p *Context) CheckPasskeyConfirm(iteration int, key uint32) error {
	kbx := MarshalPublicKeyX(p.RemotePubKey)
	kax := MarshalPublicKeyX(p.Keys.Public)
	nb := p.RemoteRandom

	z := 0x80 | (byte)((key&(1<<iteration))>>iteration)

	calcConf, err := F4(kbx, kax, nb, z)
	if err != nil {
		return err
	}

	if !bytes.Equal(p.RemoteConfirm, calcConf) {
		return errors.Errorf("passkey confirm mismatch %d, exp %v got %v",
			iteration, hex.EncodeToString(p.RemoteConfirm), hex.EncodeToString(calcConf))
	}

	return nil
}

// GeneratePassKeyConfirm produces the local confirm and random for one
// passkey-entry round.
func (p *Context) GeneratePassKeyConfirm(iteration int, key uint32) ([]byte, []byte, error) {
	kbx := MarshalPublicKeyX(p.RemotePubKey)
	kax := MarshalPublicKeyX(p.Keys.Public)
	nai := make([]byte, 16)
	if _, err := rand.Read(nai); err != nil {
		return nil, nil, err
	}

	z := 0x80 | (byte)((key&(1<<iteration))>>iteration)

	calcConf, err := F4(kax, kbx, nai, z)
	if err != nil {
		return nil, nil, err
	}

	return calcConf, nai, nil
}

// GenerateDHKey derives the shared secret from the exchanged keys.
func (p *Context) GenerateDHKey() error {
	if p == nil || p.Keys == nil {
		return errors.New("nil keys")
	}

	if p.RemotePubKey == nil {
		return errors.New("missing remote public key")
	}

	dk, err := GenerateSecret(p.Keys.Private, p.RemotePubKey)
	if err != nil {
		return err
	}
	p.DHKey = dk
	return nil
}

// OwnFeatures returns the feature set the local device offered.
func (p *Context) OwnFeatures() security.LeConfig {
	if p.Responder {
		return p.Response
	}
	return p.Request
}

// PeerFeatures returns the feature set the remote device offered.
func (p *Context) PeerFeatures() security.LeConfig {
	if p.Responder {
		return p.Request
	}
	return p.Response
}

// CalcMacLtk runs authentication stage 2 (2.3.5.6.5): derives the
// DHKey, then MacKey and LTK via f5. The f5 arguments are always
// initiator-first.
func (p *Context) CalcMacLtk() error {
	if err := p.GenerateDHKey(); err != nil {
		return err
	}

	// MacKey || LTK = f5(DHKey, N_initiator, N_responder, A_initiator, A_responder)
	la := p.addr7(p.LocalAddr, p.LocalAddrType)
	ra := p.addr7(p.RemoteAddr, p.RemoteAddrType)

	n1, n2, a1, a2 := p.LocalRandom, p.RemoteRandom, la, ra
	if p.Responder {
		n1, n2, a1, a2 = p.RemoteRandom, p.LocalRandom, ra, la
	}

	mk, ltk, err := F5(p.DHKey, n1, n2, a1, a2)
	if err != nil {
		return err
	}

	p.MacKey = mk
	p.LongTermKey = ltk

	return nil
}

// DHKeyCheckValue computes the local check value:
// Ea = f6(MacKey, Na, Nb, rb, IOcapA, A, B) for the initiator, Eb with
// the roles flipped for the responder.
func (p *Context) DHKeyCheckValue(r []byte) ([]byte, error) {
	la := p.addr7(p.LocalAddr, p.LocalAddrType)
	ra := p.addr7(p.RemoteAddr, p.RemoteAddrType)

	own := p.OwnFeatures()
	ioCap := sliceops.SwapBuf([]byte{own.AuthReq, byte(own.OobFlag), byte(own.IoCap)})

	return F6(p.MacKey, p.LocalRandom, p.RemoteRandom, r, ioCap, la, ra)
}

// PeerDHKeyCheckValue computes the check value the peer is expected to
// send.
func (p *Context) PeerDHKeyCheckValue(r []byte) ([]byte, error) {
	la := p.addr7(p.LocalAddr, p.LocalAddrType)
	ra := p.addr7(p.RemoteAddr, p.RemoteAddrType)

	peer := p.PeerFeatures()
	ioCap := sliceops.SwapBuf([]byte{peer.AuthReq, byte(peer.OobFlag), byte(peer.IoCap)})

	return F6(p.MacKey, p.RemoteRandom, p.LocalRandom, r, ioCap, ra, la)
}

// NumericCompareValue computes the six-digit g2 value shown to the
// user for numeric comparison. The g2 arguments are initiator-first.
func (p *Context) NumericCompareValue() (uint32, error) {
	kax := MarshalPublicKeyX(p.Keys.Public)
	kbx := MarshalPublicKeyX(p.RemotePubKey)
	na, nb := p.LocalRandom, p.RemoteRandom
	if p.Responder {
		kax, kbx = kbx, kax
		na, nb = nb, na
	}
	return G2(kax, kbx, na, nb)
}

// CheckLegacyConfirm verifies the responder confirm with c1.
func (p *Context) CheckLegacyConfirm(tk []byte) error {
	preq := BuildPairingReq(p.Request)
	pres := BuildPairingRsp(p.Response)

	c1, err := C1(tk, sliceops.SwapBuf(p.RemoteRandom),
		sliceops.SwapBuf(preq), sliceops.SwapBuf(pres),
		p.LocalAddrType, p.RemoteAddrType,
		p.LocalAddr, p.RemoteAddr)
	if err != nil {
		return err
	}

	sConfirm := sliceops.SwapBuf(p.RemoteConfirm)
	if !bytes.Equal(sConfirm, c1) {
		return errors.Errorf("sConfirm does not match: exp %s calc %s",
			hex.EncodeToString(sConfirm), hex.EncodeToString(c1))
	}

	return nil
}

// LegacyConfirmValue computes the initiator confirm with c1, returned
// in wire order.
func (p *Context) LegacyConfirmValue(tk []byte) ([]byte, error) {
	preq := BuildPairingReq(p.Request)
	pres := BuildPairingRsp(p.Response)

	c1, err := C1(tk, sliceops.SwapBuf(p.LocalRandom),
		sliceops.SwapBuf(preq), sliceops.SwapBuf(pres),
		p.LocalAddrType, p.RemoteAddrType,
		p.LocalAddr, p.RemoteAddr)
	if err != nil {
		return nil, err
	}

	return sliceops.SwapBuf(c1), nil
}

// CalcLegacyStk derives the short-term key from the exchanged randoms.
func (p *Context) CalcLegacyStk(tk []byte) error {
	stk, err := S1(tk, sliceops.SwapBuf(p.RemoteRandom), sliceops.SwapBuf(p.LocalRandom))
	if err != nil {
		return err
	}

	p.ShortTermKey = sliceops.SwapBuf(stk)
	return nil
}

func (p *Context) addr7(addr []byte, addrType byte) []byte {
	out := make([]byte, 0, 7)
	out = append(out, addr...)
	out = append(out, addrType)
	return out
}
