package memops

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func ptr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

func TestCopy(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)

	Copy(ptr(dst), ptr(src), 3)
	assert.Equal(t, []byte{1, 2, 3, 0}, dst)

	Copy(ptr(dst), ptr(src), 0)
	assert.Equal(t, []byte{1, 2, 3, 0}, dst)
}

func TestMove(t *testing.T) {
	// shift right within one block
	b := []byte{1, 2, 3, 4, 5}
	Move(ptr(b[2:]), ptr(b), 3)
	assert.Equal(t, []byte{1, 2, 1, 2, 3}, b)

	// shift left within one block
	b = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	Move(ptr(b), ptr(b[2:]), 5)
	assert.Equal(t, []byte{3, 4, 5, 6, 7}, b[:5])
	assert.Equal(t, []byte{6, 7, 8, 9, 10}, b[5:])
}

func TestEqualAndZero(t *testing.T) {
	a := []byte{9, 8, 7, 6}
	b := []byte{9, 8, 7, 0}

	assert.True(t, Equal(ptr(a), ptr(b), 3))
	assert.False(t, Equal(ptr(a), ptr(b), 4))
	assert.True(t, Equal(nil, nil, 0))

	Zero(ptr(a), 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, a)
	Zero(ptr(a), 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, a)
}

func TestOverlaps(t *testing.T) {
	b := make([]byte, 16)

	assert.True(t, Overlaps(ptr(b), 8, ptr(b[4:]), 8))
	assert.True(t, Overlaps(ptr(b[4:]), 8, ptr(b), 8))
	assert.False(t, Overlaps(ptr(b), 8, ptr(b[8:]), 8))
	assert.False(t, Overlaps(ptr(b), 0, ptr(b), 8))
}
