package smp

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/pkg/errors"

	"github.com/rigado/ble-security/sliceops"
)

// Confirm value generation function f4, Core spec Vol 3, Part H, 2.2.6.
func F4(u, v, x []byte, z uint8) ([]byte, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 {
		return nil, errors.New("f4: length error")
	}

	m := []byte{z}
	m = append(m, v...)
	m = append(m, u...)

	return aesCMAC(x, m)
}

// Key generation function f5, Core spec Vol 3, Part H, 2.2.7.
// Returns MacKey and LTK.
func F5(w, n1, n2, a1, a2 []byte) ([]byte, []byte, error) {
	switch {
	case len(w) != 32:
		return nil, nil, errors.New("f5: length error w")
	case len(n1) != 16:
		return nil, nil, errors.New("f5: length error n1")
	case len(n2) != 16:
		return nil, nil, errors.New("f5: length error n2")
	case len(a1) != 7:
		return nil, nil, errors.New("f5: length error a1")
	case len(a2) != 7:
		return nil, nil, errors.New("f5: length error a2")
	}

	btle := []byte{0x65, 0x6c, 0x74, 0x62}
	salt := []byte{0xbe, 0x83, 0x60, 0x5a, 0xdb, 0x0b, 0x37, 0x60,
		0x38, 0xa5, 0xf5, 0xaa, 0x91, 0x83, 0x88, 0x6c}
	length := []byte{0x00, 0x01}

	t, err := aesCMAC(salt, w)
	if err != nil {
		return nil, nil, errors.Wrap(err, "f5: key generation")
	}

	m := length
	m = append(m, a2...)
	m = append(m, a1...)
	m = append(m, n2...)
	m = append(m, n1...)
	m = append(m, btle...)
	m = append(m, 0x00)

	macKey, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, errors.Wrap(err, "f5: macKey")
	}

	//ltk generation bit
	m[52] = 0x01

	ltk, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, errors.Wrap(err, "f5: ltk")
	}

	return macKey, ltk, nil
}

// Check value generation function f6, Core spec Vol 3, Part H, 2.2.8.
func F6(w, n1, n2, r, ioCap, a1, a2 []byte) ([]byte, error) {
	if len(w) != 16 || len(n1) != 16 || len(n2) != 16 || len(r) != 16 ||
		len(ioCap) != 3 || len(a1) != 7 || len(a2) != 7 {
		return nil, errors.New("f6: length error")
	}

	// f6(W, N1, N2, R, IOcap, A1, A2) = AES-CMAC W (N1 || N2 || R || IOcap || A1 || A2)
	m := append(a2, a1...)
	m = append(m, ioCap...)
	m = append(m, r...)
	m = append(m, n2...)
	m = append(m, n1...)

	return aesCMAC(w, m)
}

// Numeric comparison value generation function g2, Core spec Vol 3,
// Part H, 2.2.9. The returned value is already reduced to six digits.
func G2(u, v, x, y []byte) (uint32, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 || len(y) != 16 {
		return 0, errors.New("g2: length error")
	}

	// g2 (U, V, X, Y) = AES-CMAC X (U || V || Y) mod 2^32
	m := append(y, v...)
	m = append(m, u...)

	h, err := aesCMAC(x, m)
	if err != nil {
		return 0, err
	}

	out := binary.LittleEndian.Uint32(h[:4])
	return out % 1000000, nil
}

// Legacy confirm value generation function c1, Core spec Vol 3,
// Part H, 2.2.3. All inputs and the output are most-significant-byte
// first; wire-order swapping is the caller's concern.
func C1(k, r, preq, pres []byte, iat, rat uint8, ia, ra []byte) ([]byte, error) {
	if len(k) != 16 || len(r) != 16 || len(preq) != 7 || len(pres) != 7 ||
		len(ia) != 6 || len(ra) != 6 {
		return nil, errors.New("c1: length error")
	}

	// p1 = pres || preq || rat' || iat'
	p1 := make([]byte, 0, 16)
	p1 = append(p1, pres...)
	p1 = append(p1, preq...)
	p1 = append(p1, rat&0x01, iat&0x01)

	// p2 = padding || ia || ra
	p2 := make([]byte, 0, 16)
	p2 = append(p2, make([]byte, 4)...)
	p2 = append(p2, ia...)
	p2 = append(p2, ra...)

	// c1 = e(k, e(k, r XOR p1) XOR p2)
	inner := aes128(k, sliceops.XorSlice(r, p1))
	if inner == nil {
		return nil, errors.New("c1: cipher error")
	}
	outer := aes128(k, sliceops.XorSlice(inner, p2))
	if outer == nil {
		return nil, errors.New("c1: cipher error")
	}

	return outer, nil
}

// Legacy key generation function s1, Core spec Vol 3, Part H, 2.2.4.
// STK = e(k, r1' || r2') over the least-significant halves of the
// pairing randoms. Inputs and output are most-significant-byte first.
func S1(k, r1, r2 []byte) ([]byte, error) {
	if len(k) != 16 || len(r1) != 16 || len(r2) != 16 {
		return nil, errors.New("s1: length error")
	}

	r := make([]byte, 0, 16)
	r = append(r, r1[8:]...)
	r = append(r, r2[8:]...)

	out := aes128(k, r)
	if out == nil {
		return nil, errors.New("s1: cipher error")
	}

	return out, nil
}

func aesCMAC(key, msg []byte) ([]byte, error) {
	tmp := sliceops.SwapBuf(key)
	mCipher, err := aes.NewCipher(tmp)
	if err != nil {
		return nil, err
	}

	msgMsb := sliceops.SwapBuf(msg)

	mMac, err := cmac.New(mCipher)
	if err != nil {
		return nil, err
	}

	mMac.Write(msgMsb)

	return sliceops.SwapBuf(mMac.Sum(nil)), nil
}

func aes128(key, msg []byte) []byte {
	mCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}

	out := make([]byte, 16)
	mCipher.Encrypt(out, msg)
	return out
}
