package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// maxCStringLen bounds ReadCString scans so a missing terminator cannot walk
// the whole linear memory.
const maxCStringLen = 4096

type wasmModule struct {
	runtime wazero.Runtime
	mod     api.Module

	mu     sync.Mutex
	closed bool
}

// LoadBytes instantiates the engine module from its byte-code image. The
// module is expected to be a WASI reactor exporting the fme_* ABI plus
// malloc/free.
func LoadBytes(ctx context.Context, wasm []byte) (Module, error) {
	if len(wasm) == 0 {
		return nil, errors.New("engine: empty module image")
	}
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	cfg := wazero.NewModuleConfig().WithName("fmengine").WithStartFunctions()
	mod, err := r.InstantiateWithConfig(ctx, wasm, cfg)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("engine: instantiate module: %w", err)
	}
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("engine: _initialize: %w", err)
		}
	}
	return &wasmModule{runtime: r, mod: mod}, nil
}

func (m *wasmModule) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := m.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("engine: module does not export %q", name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", name, err)
	}
	return res, nil
}

func (m *wasmModule) View(ptr, n uint32) ([]byte, error) {
	b, ok := m.mod.Memory().Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("engine: read of %d bytes at 0x%x out of range", n, ptr)
	}
	return b, nil
}

func (m *wasmModule) Read(ptr, n uint32) ([]byte, error) {
	view, err := m.View(ptr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

func (m *wasmModule) Write(ptr uint32, data []byte) error {
	if !m.mod.Memory().Write(ptr, data) {
		return fmt.Errorf("engine: write of %d bytes at 0x%x out of range", len(data), ptr)
	}
	return nil
}

func (m *wasmModule) ReadCString(ptr uint32) (string, error) {
	if ptr == 0 {
		return "", errors.New("engine: nil string pointer")
	}
	mem := m.mod.Memory()
	buf := make([]byte, 0, 32)
	for i := uint32(0); i < maxCStringLen; i++ {
		c, ok := mem.ReadByte(ptr + i)
		if !ok {
			return "", fmt.Errorf("engine: string read at 0x%x out of range", ptr+i)
		}
		if c == 0 {
			return string(buf), nil
		}
		buf = append(buf, c)
	}
	return "", errors.New("engine: unterminated string")
}

func (m *wasmModule) Alloc(ctx context.Context, n uint32) (uint32, error) {
	res, err := m.Call(ctx, fnMalloc, uint64(n))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("engine: guest allocation of %d bytes failed", n)
	}
	return ptr, nil
}

func (m *wasmModule) Free(ctx context.Context, ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	_, err := m.Call(ctx, fnFree, uint64(ptr))
	return err
}

func (m *wasmModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.runtime.Close(ctx)
}
