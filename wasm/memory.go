// Package wasm exposes WebAssembly linear memories as External buffers.
package wasm

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/nativebuf/buffer"
)

// Memory tracks one wasmer linear memory as an imported buffer. Growing the
// memory may move it, so every grow re-imports it and handles taken on the
// previous generation go stale.
type Memory struct {
	im  *buffer.Importer
	mem *wasmer.Memory
	buf buffer.RawBuffer
}

// Import wraps mem's current linear memory.
func Import(im *buffer.Importer, mem *wasmer.Memory) (*Memory, error) {
	ptr, n := linear(mem)
	buf, err := im.Wrap(ptr, n, 0)
	if err != nil {
		return nil, errors.Wrap(err, "importing wasm memory")
	}
	return &Memory{im: im, mem: mem, buf: buf}, nil
}

func linear(mem *wasmer.Memory) (unsafe.Pointer, uint64) {
	data := mem.Data()
	if len(data) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(unsafe.SliceData(data)), uint64(len(data))
}

// Buffer returns the current generation of the linear memory.
func (m *Memory) Buffer() buffer.RawBuffer { return m.buf }

// Pages returns the size of the memory in wasm pages.
func (m *Memory) Pages() uint32 { return uint32(m.mem.Size()) }

// Grow adds delta pages and re-imports the memory.
func (m *Memory) Grow(delta uint32) (buffer.RawBuffer, error) {
	if !m.mem.Grow(wasmer.Pages(delta)) {
		return buffer.RawBuffer{}, errors.Wrapf(buffer.ErrAllocationFailure,
			"growing wasm memory of %d pages by %d", m.Pages(), delta)
	}
	return m.reimport()
}

// Refresh re-imports the memory if the guest grew or moved it since the last
// import, and returns the current buffer.
func (m *Memory) Refresh() (buffer.RawBuffer, error) {
	ptr, n := linear(m.mem)
	if ptr == m.buf.Pointer() && n == m.buf.Len() {
		return m.buf, nil
	}
	return m.reimport()
}

func (m *Memory) reimport() (buffer.RawBuffer, error) {
	ptr, n := linear(m.mem)
	var (
		buf buffer.RawBuffer
		err error
	)
	if m.buf.IsEmpty() {
		buf, err = m.im.Wrap(ptr, n, 0)
	} else {
		buf, err = m.im.Reimport(m.buf, ptr, n, 0)
	}
	if err != nil {
		return buffer.RawBuffer{}, errors.Wrap(err, "re-importing wasm memory")
	}
	m.buf = buf
	return buf, nil
}

// Close unwraps the memory. The wasmer memory itself stays with its instance.
func (m *Memory) Close() error {
	return m.im.Unwrap(m.buf)
}
