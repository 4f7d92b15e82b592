//go:build !unix

package hal

// MmapProvider is unavailable off unix; it exists so callers compile.
type MmapProvider struct{}

func NewMmapProvider() (*MmapProvider, error) {
	return nil, ErrUnsupported
}

func (m *MmapProvider) Name() string { return "mmap" }

func (m *MmapProvider) Map(size uint64) ([]byte, error) { return nil, ErrUnsupported }

func (m *MmapProvider) Unmap(chunk []byte) error { return ErrUnsupported }

func (m *MmapProvider) Mapped() uint64 { return 0 }
