package hal

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// HeapProvider carves page-aligned chunks out of Go heap slices. The slices
// stay referenced until Unmap so the collector never reclaims live chunks.
type HeapProvider struct {
	live   map[uintptr][]byte
	mapped uint64
}

// NewHeapProvider creates an empty heap provider.
func NewHeapProvider() *HeapProvider {
	return &HeapProvider{live: make(map[uintptr][]byte)}
}

func (h *HeapProvider) Name() string { return "heap" }

func (h *HeapProvider) Map(size uint64) ([]byte, error) {
	size, err := checkMapSize(size)
	if err != nil {
		return nil, err
	}

	// Over-allocate by one page and shift to the next page boundary.
	raw := make([]byte, size+PageSize)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	shift := (PageSize - addr%PageSize) % PageSize
	chunk := raw[shift : uint64(shift)+size : uint64(shift)+size]

	h.live[addr+shift] = raw
	h.mapped += size
	return chunk, nil
}

func (h *HeapProvider) Unmap(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrZeroSize
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(chunk)))
	if _, ok := h.live[base]; !ok {
		return errors.Wrapf(ErrNotMapped, "heap chunk at 0x%x", base)
	}
	delete(h.live, base)
	h.mapped -= uint64(cap(chunk))
	return nil
}

// Mapped reports the bytes currently handed out.
func (h *HeapProvider) Mapped() uint64 {
	return h.mapped
}
