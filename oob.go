package security

// OobData is one confirmation/random pair exchanged over an
// out-of-band channel. The local pair is regenerable and never
// persisted; at most one remote pair is held at a time.
type OobData struct {
	Confirm []byte
	Random  []byte
}
