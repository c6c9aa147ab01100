package sliceops

// SwapBuf returns a copy of in with the byte order reversed. SMP
// quantities are little-endian on the wire while the crypto toolbox
// works most-significant-byte first.
func SwapBuf(in []byte) []byte {
	a := make([]byte, 0, len(in))
	a = append(a, in...)
	for i := len(a)/2 - 1; i >= 0; i-- {
		opp := len(a) - 1 - i
		a[i], a[opp] = a[opp], a[i]
	}

	return a
}

// XorSlice xors a and b element-wise; b must be at least as long as a.
func XorSlice(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
