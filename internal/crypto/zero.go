package crypto

// Zero overwrites a byte slice in memory with zeros.
// This version works on all operating systems.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DestroyKey zeroes key material and releases any memory lock taken when it
// was derived. Call on shutdown for process-lifetime keys.
func DestroyKey(b []byte) {
	Zero(b)
	_ = unlockMemory(b)
}
