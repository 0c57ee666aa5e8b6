package bridge

import "unsafe"

// UnsafeString returns a string pointer without allocation. The caller must
// not mutate b afterwards.
func UnsafeString(b []byte) string {
	// #nosec G103
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// CopyBytes copies a slice to make it immutable. Broker client buffers are
// reused after the delivery callback returns.
func CopyBytes(b []byte) []byte {
	tmp := make([]byte, len(b))
	copy(tmp, b)
	return tmp
}
