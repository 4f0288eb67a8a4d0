// Package oplbridge exposes a WebAssembly-compiled OPL3 FM synthesizer to Go
// programs. Synth is the synchronous bridge for batch and offline work; Node
// runs the engine inside an isolated realtime rendering context and talks to
// it over a message channel.
package oplbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsonoda/oplbridge-go/internal/engine"
	"github.com/tsonoda/oplbridge-go/opl"
)

var (
	// ErrNotInitialized is returned by Synth methods called before Init.
	ErrNotInitialized = errors.New("oplbridge: not initialized (call Init first)")
	// ErrClosed is returned by Synth methods called after Close.
	ErrClosed = errors.New("oplbridge: bridge closed")
	// ErrNotFound marks an instrument lookup that missed. An expected
	// outcome, not an engine failure.
	ErrNotFound = errors.New("oplbridge: instrument not found")
	// ErrEngine wraps failing native return codes on load-bearing calls.
	ErrEngine = errors.New("oplbridge: engine failure")
)

// maxBatchFrames sizes the Synth's guest generation buffer. Longer requests
// render in chunks of this many frames, so Generate never allocates guest
// memory per call.
const maxBatchFrames = 4096

// Synth is the low-level synchronous bridge around one engine instance, for
// non-realtime contexts: offline rendering, servers, tooling. Its methods
// are not safe for concurrent use on one instance; distinct instances own
// distinct engine modules and are fully independent.
type Synth struct {
	log        *zap.Logger
	loader     engine.Loader
	image      []byte
	emulator   int
	mod        engine.Module
	inst       *engine.Instance
	sampleRate int
	closed     bool
}

// New prepares a Synth from the configured module location. It fails when no
// module is configured; the engine itself is not instantiated until Init.
func New(opts ...Option) (*Synth, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	image, err := cfg.moduleImage()
	if err != nil {
		return nil, err
	}
	return &Synth{log: cfg.logger, loader: cfg.loader, image: image, emulator: cfg.emulator}, nil
}

// Init instantiates the engine module and creates the synthesizer handle at
// the given sample rate. A Synth initializes once; close it before
// re-creating.
func (s *Synth) Init(ctx context.Context, sampleRate int) error {
	if s.closed {
		return ErrClosed
	}
	if s.inst != nil {
		return errors.New("oplbridge: already initialized (close first)")
	}
	if sampleRate <= 0 {
		return errors.New("oplbridge: sampleRate must be positive")
	}
	mod, err := s.loader(ctx, s.image)
	if err != nil {
		return err
	}
	inst, err := engine.NewInstance(ctx, mod, sampleRate, maxBatchFrames)
	if err != nil {
		_ = mod.Close(ctx)
		return err
	}
	if s.emulator != 0 {
		st, serr := inst.SwitchEmulator(ctx, s.emulator)
		if serr == nil && !st.OK() {
			serr = fmt.Errorf("%w: emulator %d not available in this build", ErrEngine, s.emulator)
		}
		if serr != nil {
			_ = inst.Destroy(ctx)
			_ = mod.Close(ctx)
			return serr
		}
	}
	s.mod = mod
	s.inst = inst
	s.sampleRate = sampleRate
	s.log.Debug("synth initialized", zap.Int("sampleRate", sampleRate))
	return nil
}

// Close destroys the engine handle and its module. Safe to call repeatedly;
// every call after the first is a no-op.
func (s *Synth) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var derr, cerr error
	if s.inst != nil {
		derr = s.inst.Destroy(ctx)
		s.inst = nil
	}
	if s.mod != nil {
		cerr = s.mod.Close(ctx)
		s.mod = nil
	}
	if derr != nil {
		return derr
	}
	return cerr
}

// SampleRate returns the rate passed to Init, or 0 before Init.
func (s *Synth) SampleRate() int { return s.sampleRate }

func (s *Synth) ensure() error {
	if s.closed {
		return ErrClosed
	}
	if s.inst == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *Synth) NoteOn(ctx context.Context, channel, note, velocity int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.NoteOn(ctx, channel, note, velocity)
}

func (s *Synth) NoteOff(ctx context.Context, channel, note int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.NoteOff(ctx, channel, note)
}

func (s *Synth) PitchBend(ctx context.Context, channel, value int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.PitchBend(ctx, channel, value)
}

func (s *Synth) ControllerChange(ctx context.Context, channel, controller, value int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.ControllerChange(ctx, channel, controller, value)
}

func (s *Synth) ProgramChange(ctx context.Context, channel, program int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.ProgramChange(ctx, channel, program)
}

func (s *Synth) BankChangeMSB(ctx context.Context, channel, msb int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.BankChangeMSB(ctx, channel, msb)
}

func (s *Synth) BankChangeLSB(ctx context.Context, channel, lsb int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.BankChangeLSB(ctx, channel, lsb)
}

// Panic releases every sounding note.
func (s *Synth) Panic(ctx context.Context) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.Panic(ctx)
}

// SetBank selects one of the engine's embedded banks. The boolean carries
// the native success code; false means the index is unknown to this build.
func (s *Synth) SetBank(ctx context.Context, index int) (bool, error) {
	if err := s.ensure(); err != nil {
		return false, err
	}
	st, err := s.inst.SetBank(ctx, index)
	if err != nil {
		return false, err
	}
	return st.OK(), nil
}

// LoadBank replaces the active bank set from a bank image. False means the
// engine rejected the image.
func (s *Synth) LoadBank(ctx context.Context, data []byte) (bool, error) {
	if err := s.ensure(); err != nil {
		return false, err
	}
	st, err := s.inst.LoadBank(ctx, data)
	if err != nil {
		return false, err
	}
	return st.OK(), nil
}

// GetInstrument reads one program out of an existing bank. A miss returns
// ErrNotFound.
func (s *Synth) GetInstrument(ctx context.Context, id opl.BankID, program int) (opl.Instrument, error) {
	if err := s.ensure(); err != nil {
		return opl.Instrument{}, err
	}
	ins, st, err := s.inst.GetInstrument(ctx, id, program, false)
	if err != nil {
		return opl.Instrument{}, err
	}
	if !st.OK() {
		return opl.Instrument{}, fmt.Errorf("%w: bank msb=%d lsb=%d percussive=%t program %d",
			ErrNotFound, id.MSB, id.LSB, id.Percussive, program)
	}
	return ins, nil
}

// SetInstrument writes one program into a bank, creating the bank if needed.
// False means the engine rejected the write.
func (s *Synth) SetInstrument(ctx context.Context, id opl.BankID, program int, ins opl.Instrument) (bool, error) {
	if err := s.ensure(); err != nil {
		return false, err
	}
	st, err := s.inst.SetInstrument(ctx, id, program, ins, true)
	if err != nil {
		return false, err
	}
	return st.OK(), nil
}

// Generate renders the continuous realtime path: frames stereo frames of
// interleaved float32 samples in [-1, 1].
func (s *Synth) Generate(ctx context.Context, frames int) ([]float32, error) {
	return s.render(ctx, frames, false)
}

// Play renders the file-playback path, advancing song position.
func (s *Synth) Play(ctx context.Context, frames int) ([]float32, error) {
	return s.render(ctx, frames, true)
}

func (s *Synth) render(ctx context.Context, frames int, play bool) ([]float32, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}
	if frames < 0 {
		return nil, errors.New("oplbridge: negative frame count")
	}
	out := make([]float32, 0, frames*2)
	for remaining := frames; remaining > 0; {
		chunk := remaining
		if chunk > maxBatchFrames {
			chunk = maxBatchFrames
		}
		var pcm []byte
		var err error
		if play {
			pcm, err = s.inst.Play(ctx, chunk)
		} else {
			pcm, err = s.inst.Generate(ctx, chunk)
		}
		if err != nil {
			return nil, err
		}
		if len(pcm) == 0 {
			break
		}
		out = appendSamples(out, pcm)
		remaining -= len(pcm) / 4
	}
	return out, nil
}

// appendSamples converts interleaved s16le PCM to normalized float32.
func appendSamples(dst []float32, pcm []byte) []float32 {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, float32(int16(binary.LittleEndian.Uint16(pcm[i:])))/32768)
	}
	return dst
}

// LoadMIDI hands a song image to the engine's sequencer.
func (s *Synth) LoadMIDI(ctx context.Context, data []byte) error {
	if err := s.ensure(); err != nil {
		return err
	}
	st, err := s.inst.LoadMIDI(ctx, data)
	if err != nil {
		return err
	}
	if !st.OK() {
		return fmt.Errorf("%w: MIDI load rejected", ErrEngine)
	}
	return nil
}

func (s *Synth) PositionSeconds(ctx context.Context) (float64, error) {
	if err := s.ensure(); err != nil {
		return 0, err
	}
	return s.inst.PositionSeconds(ctx)
}

func (s *Synth) DurationSeconds(ctx context.Context) (float64, error) {
	if err := s.ensure(); err != nil {
		return 0, err
	}
	return s.inst.DurationSeconds(ctx)
}

func (s *Synth) Seek(ctx context.Context, seconds float64) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.Seek(ctx, seconds)
}

func (s *Synth) SetLoop(ctx context.Context, enabled bool) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.SetLoop(ctx, enabled)
}

func (s *Synth) SetTempo(ctx context.Context, multiplier float64) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.inst.SetTempo(ctx, multiplier)
}

func (s *Synth) AtEnd(ctx context.Context) (bool, error) {
	if err := s.ensure(); err != nil {
		return false, err
	}
	return s.inst.AtEnd(ctx)
}

// SwitchEmulator selects an emulator core. A core missing from this build of
// the engine fails with ErrEngine and leaves the active core unchanged.
func (s *Synth) SwitchEmulator(ctx context.Context, id int) error {
	if err := s.ensure(); err != nil {
		return err
	}
	st, err := s.inst.SwitchEmulator(ctx, id)
	if err != nil {
		return err
	}
	if !st.OK() {
		return fmt.Errorf("%w: emulator %d not available in this build", ErrEngine, id)
	}
	return nil
}

// ChipName reports the active emulator core's name.
func (s *Synth) ChipName(ctx context.Context) (string, error) {
	if err := s.ensure(); err != nil {
		return "", err
	}
	return s.inst.ChipName(ctx)
}
