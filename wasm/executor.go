package wasm

import (
	"github.com/cockroachdb/errors"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/nativebuf/buffer"
)

const pageSize = 64 * 1024

// Instance is an instantiated module whose exported "memory" is imported
// into a buffer.Importer.
type Instance struct {
	instance *wasmer.Instance
	memory   *Memory
}

// Instantiate compiles and instantiates wasmBytes and imports its memory.
func Instantiate(im *buffer.Importer, wasmBytes []byte) (*Instance, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, err
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, err
	}
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, err
	}
	memory, err := Import(im, mem)
	if err != nil {
		return nil, err
	}
	return &Instance{instance: instance, memory: memory}, nil
}

// Memory returns the imported linear memory.
func (i *Instance) Memory() *Memory { return i.memory }

// Call invokes an exported function and refreshes the memory import in case
// the guest grew it.
func (i *Instance) Call(name string, args ...interface{}) (interface{}, error) {
	fn, err := i.instance.Exports.GetFunction(name)
	if err != nil {
		return nil, err
	}
	result, err := fn(args...)
	if err != nil {
		return nil, err
	}
	if _, err := i.memory.Refresh(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close unwraps the memory.
func (i *Instance) Close() error {
	return i.memory.Close()
}

// Execute runs a module's "main" export over input. The input is copied to
// the start of linear memory, main receives its length and returns the
// length of the output it left at the same place.
func Execute(im *buffer.Importer, wasmBytes, input []byte) ([]byte, error) {
	inst, err := Instantiate(im, wasmBytes)
	if err != nil {
		return nil, err
	}
	defer inst.Close()

	n := uint64(len(input))
	if n > inst.memory.Buffer().Len() {
		extra := (n - inst.memory.Buffer().Len() + pageSize - 1) / pageSize
		if _, err := inst.memory.Grow(uint32(extra)); err != nil {
			return nil, err
		}
	}

	if err := copyIn(im, inst.memory.Buffer(), input); err != nil {
		return nil, err
	}

	result, err := inst.Call("main", int32(n))
	if err != nil {
		return nil, err
	}
	outLen, ok := result.(int32)
	if !ok || outLen < 0 {
		return nil, errors.Newf("wasm: main returned %v, want a non-negative i32 length", result)
	}

	out := make([]byte, outLen)
	if err := copyOut(im, out, inst.memory.Buffer()); err != nil {
		return nil, err
	}
	return out, nil
}

func copyIn(im *buffer.Importer, dst buffer.RawBuffer, input []byte) error {
	src, err := buffer.ImportBytes(im, input)
	if err != nil {
		return err
	}
	defer im.Unwrap(src)
	return buffer.Copy(dst, src, src.Len())
}

func copyOut(im *buffer.Importer, out []byte, src buffer.RawBuffer) error {
	dst, err := buffer.ImportBytes(im, out)
	if err != nil {
		return err
	}
	defer im.Unwrap(dst)
	return buffer.Copy(dst, src, dst.Len())
}
