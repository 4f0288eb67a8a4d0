package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/tsonoda/oplbridge-go/opl"
)

// ErrDestroyed is returned by Instance methods after Destroy.
var ErrDestroyed = errors.New("engine: instance destroyed")

// Instance is one live synthesizer inside a Module: the engine handle plus
// the pre-allocated guest buffer every generate/play call renders into. The
// buffer is sized once at creation and reused for every block, so the render
// path performs no guest allocation.
type Instance struct {
	mod       Module
	handle    uint32
	pcmPtr    uint32
	maxFrames int
}

// NewInstance creates an engine handle at the given sample rate and reserves
// a generation buffer for up to maxFrames stereo frames.
func NewInstance(ctx context.Context, mod Module, sampleRate, maxFrames int) (*Instance, error) {
	if maxFrames <= 0 {
		return nil, errors.New("engine: maxFrames must be positive")
	}
	res, err := mod.Call(ctx, fnCreate, uint64(uint32(sampleRate)))
	if err != nil {
		return nil, err
	}
	handle := uint32(res[0])
	if handle == 0 {
		return nil, fmt.Errorf("engine: create at %d Hz refused", sampleRate)
	}
	pcmPtr, err := mod.Alloc(ctx, uint32(maxFrames*2*2))
	if err != nil {
		_, _ = mod.Call(ctx, fnDestroy, uint64(handle))
		return nil, err
	}
	return &Instance{mod: mod, handle: handle, pcmPtr: pcmPtr, maxFrames: maxFrames}, nil
}

// MaxFrames returns the capacity of the generation buffer, in frames.
func (in *Instance) MaxFrames() int { return in.maxFrames }

// Destroy frees the generation buffer and the engine handle. Safe to call
// more than once; calls after the first are no-ops.
func (in *Instance) Destroy(ctx context.Context) error {
	if in.handle == 0 {
		return nil
	}
	handle, pcm := in.handle, in.pcmPtr
	in.handle, in.pcmPtr = 0, 0
	ferr := in.mod.Free(ctx, pcm)
	if _, err := in.mod.Call(ctx, fnDestroy, uint64(handle)); err != nil {
		return err
	}
	return ferr
}

func (in *Instance) call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if in.handle == 0 {
		return nil, ErrDestroyed
	}
	return in.mod.Call(ctx, name, append([]uint64{uint64(in.handle)}, args...)...)
}

// voidCall covers the fire-and-forget control events.
func (in *Instance) voidCall(ctx context.Context, name string, args ...uint64) error {
	_, err := in.call(ctx, name, args...)
	return err
}

func (in *Instance) statusCall(ctx context.Context, name string, args ...uint64) (Status, error) {
	res, err := in.call(ctx, name, args...)
	if err != nil {
		return -1, err
	}
	return status(res), nil
}

func (in *Instance) NoteOn(ctx context.Context, channel, note, velocity int) error {
	return in.voidCall(ctx, fnNoteOn, uint64(uint32(channel)), uint64(uint32(note)), uint64(uint32(velocity)))
}

func (in *Instance) NoteOff(ctx context.Context, channel, note int) error {
	return in.voidCall(ctx, fnNoteOff, uint64(uint32(channel)), uint64(uint32(note)))
}

func (in *Instance) PitchBend(ctx context.Context, channel, value int) error {
	return in.voidCall(ctx, fnPitchBend, uint64(uint32(channel)), uint64(uint32(value)))
}

func (in *Instance) ControllerChange(ctx context.Context, channel, controller, value int) error {
	return in.voidCall(ctx, fnControllerChange, uint64(uint32(channel)), uint64(uint32(controller)), uint64(uint32(value)))
}

func (in *Instance) ProgramChange(ctx context.Context, channel, program int) error {
	return in.voidCall(ctx, fnProgramChange, uint64(uint32(channel)), uint64(uint32(program)))
}

func (in *Instance) BankChangeMSB(ctx context.Context, channel, msb int) error {
	return in.voidCall(ctx, fnBankChangeMSB, uint64(uint32(channel)), uint64(uint32(msb)))
}

func (in *Instance) BankChangeLSB(ctx context.Context, channel, lsb int) error {
	return in.voidCall(ctx, fnBankChangeLSB, uint64(uint32(channel)), uint64(uint32(lsb)))
}

// Panic releases every sounding note on every channel.
func (in *Instance) Panic(ctx context.Context) error {
	return in.voidCall(ctx, fnPanic)
}

// SetBank selects one of the engine's embedded banks.
func (in *Instance) SetBank(ctx context.Context, index int) (Status, error) {
	return in.statusCall(ctx, fnSetBank, uint64(uint32(index)))
}

// LoadBank replaces the active bank set from a bank image.
func (in *Instance) LoadBank(ctx context.Context, data []byte) (Status, error) {
	if in.handle == 0 {
		return -1, ErrDestroyed
	}
	ptr, err := in.mod.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return -1, err
	}
	defer func() { _ = in.mod.Free(ctx, ptr) }()
	if err := in.mod.Write(ptr, data); err != nil {
		return -1, err
	}
	return in.statusCall(ctx, fnLoadBank, uint64(ptr), uint64(uint32(len(data))))
}

// GetInstrument resolves the bank identified by id (creating it when create
// is set) and reads one program out of it. Scratch guest buffers for the
// bank id, the bank reference and the instrument image are freed on every
// exit path.
func (in *Instance) GetInstrument(ctx context.Context, id opl.BankID, program int, create bool) (opl.Instrument, Status, error) {
	var ins opl.Instrument
	if in.handle == 0 {
		return ins, -1, ErrDestroyed
	}
	idPtr, bankPtr, insPtr, cleanup, err := in.instrumentScratch(ctx, id)
	if err != nil {
		return ins, -1, err
	}
	defer cleanup()

	st, err := in.resolveBank(ctx, idPtr, bankPtr, create)
	if err != nil || !st.OK() {
		return ins, st, err
	}
	st, err = in.statusCall(ctx, fnGetInstrument, uint64(bankPtr), uint64(uint32(program)), uint64(insPtr))
	if err != nil || !st.OK() {
		return ins, st, err
	}
	raw, err := in.mod.Read(insPtr, opl.InstrumentSize)
	if err != nil {
		return ins, -1, err
	}
	return opl.DecodeInstrument(raw), 0, nil
}

// SetInstrument writes one program into the bank identified by id, creating
// the bank when create is set.
func (in *Instance) SetInstrument(ctx context.Context, id opl.BankID, program int, ins opl.Instrument, create bool) (Status, error) {
	if in.handle == 0 {
		return -1, ErrDestroyed
	}
	idPtr, bankPtr, insPtr, cleanup, err := in.instrumentScratch(ctx, id)
	if err != nil {
		return -1, err
	}
	defer cleanup()

	st, err := in.resolveBank(ctx, idPtr, bankPtr, create)
	if err != nil || !st.OK() {
		return st, err
	}
	if err := in.mod.Write(insPtr, opl.EncodeInstrument(ins)); err != nil {
		return -1, err
	}
	return in.statusCall(ctx, fnSetInstrument, uint64(bankPtr), uint64(uint32(program)), uint64(insPtr))
}

// instrumentScratch allocates the three guest buffers used by the
// instrument get/set sequence. The returned cleanup frees whichever of them
// were allocated; on error every partial allocation has already been freed.
func (in *Instance) instrumentScratch(ctx context.Context, id opl.BankID) (idPtr, bankPtr, insPtr uint32, cleanup func(), err error) {
	var ptrs []uint32
	alloc := func(n uint32) uint32 {
		if err != nil {
			return 0
		}
		var p uint32
		if p, err = in.mod.Alloc(ctx, n); err == nil {
			ptrs = append(ptrs, p)
		}
		return p
	}
	idPtr = alloc(opl.BankIDSize)
	bankPtr = alloc(bankStructSize)
	insPtr = alloc(opl.InstrumentSize)
	cleanup = func() {
		for _, p := range ptrs {
			_ = in.mod.Free(ctx, p)
		}
	}
	if err != nil {
		cleanup()
		return 0, 0, 0, nil, err
	}
	if err = in.mod.Write(idPtr, opl.EncodeBankID(id)); err != nil {
		cleanup()
		return 0, 0, 0, nil, err
	}
	return idPtr, bankPtr, insPtr, cleanup, nil
}

func (in *Instance) resolveBank(ctx context.Context, idPtr, bankPtr uint32, create bool) (Status, error) {
	flags := uint64(0)
	if create {
		flags = 1
	}
	return in.statusCall(ctx, fnGetBank, uint64(idPtr), flags, uint64(bankPtr))
}

// Generate renders up to frames stereo frames of the continuous realtime
// path into the generation buffer and returns a view of the interleaved
// 16-bit little-endian samples. The view is valid until the next engine
// call.
func (in *Instance) Generate(ctx context.Context, frames int) ([]byte, error) {
	return in.render(ctx, fnGenerate, frames)
}

// Play is Generate for the file-playback path: it advances song position as
// it renders.
func (in *Instance) Play(ctx context.Context, frames int) ([]byte, error) {
	return in.render(ctx, fnPlay, frames)
}

func (in *Instance) render(ctx context.Context, fn string, frames int) ([]byte, error) {
	if frames > in.maxFrames {
		frames = in.maxFrames
	}
	if frames <= 0 {
		return nil, nil
	}
	res, err := in.call(ctx, fn, uint64(uint32(frames)), uint64(in.pcmPtr))
	if err != nil {
		return nil, err
	}
	samples := int(int32(uint32(res[0])))
	if samples <= 0 {
		return nil, nil
	}
	if samples > frames*2 {
		return nil, fmt.Errorf("engine: %s wrote %d samples into a %d-sample buffer", fn, samples, frames*2)
	}
	return in.mod.View(in.pcmPtr, uint32(samples*2))
}

// LoadMIDI hands a song image to the engine's sequencer.
func (in *Instance) LoadMIDI(ctx context.Context, data []byte) (Status, error) {
	if in.handle == 0 {
		return -1, ErrDestroyed
	}
	ptr, err := in.mod.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return -1, err
	}
	defer func() { _ = in.mod.Free(ctx, ptr) }()
	if err := in.mod.Write(ptr, data); err != nil {
		return -1, err
	}
	return in.statusCall(ctx, fnLoadMIDI, uint64(ptr), uint64(uint32(len(data))))
}

func (in *Instance) floatCall(ctx context.Context, name string) (float64, error) {
	res, err := in.call(ctx, name)
	if err != nil {
		return 0, err
	}
	return api.DecodeF64(res[0]), nil
}

// PositionSeconds reports the current song position.
func (in *Instance) PositionSeconds(ctx context.Context) (float64, error) {
	return in.floatCall(ctx, fnPosition)
}

// DurationSeconds reports the loaded song's total length.
func (in *Instance) DurationSeconds(ctx context.Context) (float64, error) {
	return in.floatCall(ctx, fnDuration)
}

func (in *Instance) Seek(ctx context.Context, seconds float64) error {
	return in.voidCall(ctx, fnSeek, api.EncodeF64(seconds))
}

func (in *Instance) SetLoop(ctx context.Context, enabled bool) error {
	v := uint64(0)
	if enabled {
		v = 1
	}
	return in.voidCall(ctx, fnSetLoop, v)
}

func (in *Instance) SetTempo(ctx context.Context, multiplier float64) error {
	return in.voidCall(ctx, fnSetTempo, api.EncodeF64(multiplier))
}

// AtEnd reports whether song playback has run past the end.
func (in *Instance) AtEnd(ctx context.Context) (bool, error) {
	res, err := in.call(ctx, fnAtEnd)
	if err != nil {
		return false, err
	}
	return uint32(res[0]) != 0, nil
}

// SwitchEmulator selects an emulator core. A core that is not compiled into
// the module returns a failing status and leaves the active core unchanged.
func (in *Instance) SwitchEmulator(ctx context.Context, id int) (Status, error) {
	return in.statusCall(ctx, fnSwitchEmulator, uint64(uint32(id)))
}

// ChipName reports the active emulator core's human-readable name. The
// returned pointer belongs to the engine and is decoded, not freed.
func (in *Instance) ChipName(ctx context.Context) (string, error) {
	res, err := in.call(ctx, fnChipName)
	if err != nil {
		return "", err
	}
	return in.mod.ReadCString(uint32(res[0]))
}
