//go:build !nativebuf_unchecked

package buffer

// checksEnabled guards the per-access checks of views and bulk operations.
const checksEnabled = true
