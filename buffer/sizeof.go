package buffer

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// SizeOf returns the size of T in bytes.
func SizeOf[T any]() uint32 {
	var zero T
	return uint32(unsafe.Sizeof(zero))
}

// AlignOf returns the alignment of T in bytes.
func AlignOf[T any]() uint32 {
	var zero T
	return uint32(unsafe.Alignof(zero))
}

var elementChecks sync.Map // reflect.Type -> error

// checkElement rejects element types that cannot live in memory the Go
// collector does not scan: anything holding a pointer, and zero-sized types.
func checkElement[T any]() error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if v, ok := elementChecks.Load(typ); ok {
		if v == nil {
			return nil
		}
		return v.(error)
	}

	var err error
	switch {
	case typ.Size() == 0:
		err = errors.Wrapf(ErrUnsupportedElement, "%s is zero-sized", typ)
	case hasPointers(typ):
		err = errors.Wrapf(ErrUnsupportedElement, "%s contains pointers", typ)
	}
	elementChecks.Store(typ, err)
	return err
}

func hasPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typ.Len() > 0 && hasPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if hasPointers(typ.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		// pointers, slices, strings, maps, chans, funcs, interfaces
		return true
	}
}
