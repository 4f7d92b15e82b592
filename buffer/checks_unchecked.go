//go:build nativebuf_unchecked

package buffer

const checksEnabled = false
