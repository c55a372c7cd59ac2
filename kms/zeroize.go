package kms

// Zeroize overwrites the buffer with zero bytes. Called on every buffer that
// held key material before it goes out of scope, on all exit paths. This is
// best-effort: the runtime may have copied the data during GC, but it removes
// the long-lived plaintext copy.
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
