// Package engine drives the native FM synthesizer, a module compiled to
// WebAssembly. It owns the raw interop surface (exported function calls,
// linear-memory access, guest allocation) and a typed wrapper over the
// engine ABI so the rest of the code never touches raw pointers or return
// codes directly.
package engine

import (
	"context"
	"fmt"
)

// Status is a native return code. The engine ABI uses zero for success on
// every bank, instrument and playback call; anything else is a failure. Keep
// raw codes inside this type so callers never re-interpret integers ad hoc.
type Status int32

// OK reports whether the call succeeded.
func (s Status) OK() bool { return s == 0 }

// Err returns nil for success, or an error carrying the raw code.
func (s Status) Err() error {
	if s == 0 {
		return nil
	}
	return fmt.Errorf("engine returned status %d", int32(s))
}

// Exported function names of the engine ABI.
const (
	fnCreate           = "fme_create"
	fnDestroy          = "fme_destroy"
	fnNoteOn           = "fme_note_on"
	fnNoteOff          = "fme_note_off"
	fnPitchBend        = "fme_pitch_bend"
	fnControllerChange = "fme_controller_change"
	fnProgramChange    = "fme_program_change"
	fnBankChangeMSB    = "fme_bank_change_msb"
	fnBankChangeLSB    = "fme_bank_change_lsb"
	fnPanic            = "fme_panic"
	fnSetBank          = "fme_set_bank"
	fnLoadBank         = "fme_load_bank"
	fnGetBank          = "fme_get_bank"
	fnGetInstrument    = "fme_get_instrument"
	fnSetInstrument    = "fme_set_instrument"
	fnGenerate         = "fme_generate"
	fnLoadMIDI         = "fme_load_midi"
	fnPlay             = "fme_play"
	fnPosition         = "fme_position_seconds"
	fnDuration         = "fme_total_seconds"
	fnSeek             = "fme_seek"
	fnSetLoop          = "fme_set_loop"
	fnSetTempo         = "fme_set_tempo"
	fnAtEnd            = "fme_at_end"
	fnSwitchEmulator   = "fme_switch_emulator"
	fnChipName         = "fme_chip_name"
	fnMalloc           = "malloc"
	fnFree             = "free"
)

// bankStructSize is the guest-side size of the opaque bank reference struct
// (three pointers on the 32-bit target).
const bankStructSize = 12

// Module is one live instantiation of the engine's byte-code module: its
// functions and its linear memory. Each bridge owns exactly one Module;
// two Modules share nothing.
//
// Read returns a copy. View returns a window into the live linear memory,
// valid only until the next guest call (which may grow memory); it exists
// for the realtime path where a per-block copy is unwanted.
type Module interface {
	Call(ctx context.Context, name string, args ...uint64) ([]uint64, error)
	Read(ptr, n uint32) ([]byte, error)
	View(ptr, n uint32) ([]byte, error)
	Write(ptr uint32, data []byte) error
	ReadCString(ptr uint32) (string, error)
	Alloc(ctx context.Context, n uint32) (uint32, error)
	Free(ctx context.Context, ptr uint32) error
	Close(ctx context.Context) error
}

// Loader instantiates a Module from the engine's byte-code image. Bridges
// take a Loader rather than a Module so each side performs its own
// instantiation.
type Loader func(ctx context.Context, wasm []byte) (Module, error)

func status(res []uint64) Status {
	if len(res) == 0 {
		return 0
	}
	return Status(int32(uint32(res[0])))
}
