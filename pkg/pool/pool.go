// Package pool provides reusable byte buffers for the download and
// compression copy loops. Buffers come back from sync.Pool, so they live
// only until the next garbage collection; that fits transfer buffers, which
// are hot during a run and worthless after it.
package pool

// isPowerOfTwo guards the buffer size: compression block sizes and the SFTP
// read size both want power-of-two buffers.
func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}
