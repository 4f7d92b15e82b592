//go:build unix

package hal

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapProvider hands out anonymous private mappings. Memory returned by it is
// invisible to the Go collector and must be released with Unmap.
type MmapProvider struct {
	live   map[uintptr][]byte
	mapped uint64
}

// NewMmapProvider creates an anonymous-mapping provider.
func NewMmapProvider() (*MmapProvider, error) {
	return &MmapProvider{live: make(map[uintptr][]byte)}, nil
}

func (m *MmapProvider) Name() string { return "mmap" }

func (m *MmapProvider) Map(size uint64) ([]byte, error) {
	size, err := checkMapSize(size)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes", size)
	}

	m.live[uintptr(unsafe.Pointer(unsafe.SliceData(data)))] = data
	m.mapped += size
	return data, nil
}

func (m *MmapProvider) Unmap(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrZeroSize
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(chunk)))
	data, ok := m.live[base]
	if !ok {
		return errors.Wrapf(ErrNotMapped, "mapping at 0x%x", base)
	}
	if err := unix.Munmap(data); err != nil {
		return errors.Wrapf(err, "munmap 0x%x", base)
	}
	delete(m.live, base)
	m.mapped -= uint64(len(data))
	return nil
}

// Mapped reports the bytes currently mapped.
func (m *MmapProvider) Mapped() uint64 {
	return m.mapped
}
