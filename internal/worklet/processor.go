package worklet

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tsonoda/oplbridge-go/internal/engine"
)

// BlockFrames is the fixed per-callback block size. The scheduler driving
// ProcessBlock owns the cadence; the processor just fills what it is handed.
const BlockFrames = 128

// Processor renders audio blocks for one engine instance and services the
// inbound command channel between blocks. ProcessBlock must never block,
// never allocate per block beyond the pre-sized engine buffer, and never let
// a panic escape: a panic that reaches the external scheduler silently kills
// audio output for good.
type Processor struct {
	log    *zap.Logger
	loader engine.Loader
	in     <-chan Message
	out    chan<- Message
	ctx    context.Context

	mu           sync.Mutex
	mod          engine.Module
	inst         *engine.Instance
	sampleRate   int
	gain         float32
	emulator     int
	filePlayback bool
	stopped      bool
	outClosed    bool
}

// NewProcessor wires a processor to its command and reply channels. The
// engine comes up later via Initialize; until then ProcessBlock emits
// silence and keeps the node alive.
func NewProcessor(log *zap.Logger, loader engine.Loader, in <-chan Message, out chan<- Message) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		log:    log,
		loader: loader,
		in:     in,
		out:    out,
		ctx:    context.Background(),
		gain:   1,
	}
}

// Initialize instantiates the engine module, creates the handle, applies the
// initial settings and announces Ready. It performs the heavy work the
// render path must never do, so run it off that path. Failures surface as
// ErrorReport messages.
func (p *Processor) Initialize(ctx context.Context, image []byte, sampleRate int, gain float64, emulator int) {
	mod, err := p.loader(ctx, image)
	if err != nil {
		p.report("init", err)
		return
	}
	inst, err := engine.NewInstance(ctx, mod, sampleRate, BlockFrames)
	if err != nil {
		_ = mod.Close(ctx)
		p.report("init", err)
		return
	}
	active := 0
	if emulator != 0 {
		st, serr := inst.SwitchEmulator(ctx, emulator)
		if serr == nil && st.OK() {
			active = emulator
		} else {
			p.report("init", fmt.Errorf("emulator %d unavailable, keeping default", emulator))
		}
	}
	name, _ := inst.ChipName(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		_ = inst.Destroy(ctx)
		_ = mod.Close(ctx)
		return
	}
	p.mod = mod
	p.inst = inst
	p.sampleRate = sampleRate
	p.gain = float32(gain)
	p.emulator = active
	p.emitLocked(Ready{SampleRate: sampleRate, ChipName: name})
	p.log.Info("rendering context ready",
		zap.Int("sampleRate", sampleRate), zap.String("chip", name))
}

// Shutdown destroys the engine and closes the reply channel. ProcessBlock
// calls arriving afterwards emit silence.
func (p *Processor) Shutdown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.inst != nil {
		_ = p.inst.Destroy(ctx)
		p.inst = nil
	}
	if p.mod != nil {
		_ = p.mod.Close(ctx)
		p.mod = nil
	}
	if !p.outClosed {
		p.outClosed = true
		close(p.out)
	}
}

// ProcessBlock produces one audio block into the destination channel
// buffers. A nil right channel is the mono fallback: both decoded channels
// land in the single destination. The return value is the keep-alive signal
// for the scheduler and is true in every case, including internal failure.
func (p *Processor) ProcessBlock(left, right []float32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
	p.renderLocked(left, right)
	return true
}

// renderLocked generates and converts one block. Panics from the engine or
// the conversion are translated into an ErrorReport and a silent block.
func (p *Processor) renderLocked(left, right []float32) {
	defer func() {
		if r := recover(); r != nil {
			zeroBlock(left, right)
			p.emitLocked(ErrorReport{Context: "render", Err: fmt.Sprint(r)})
		}
	}()

	if p.inst == nil || p.stopped {
		zeroBlock(left, right)
		return
	}
	frames := len(left)
	if frames > BlockFrames {
		frames = BlockFrames
	}
	var pcm []byte
	var err error
	if p.filePlayback {
		pcm, err = p.inst.Play(p.ctx, frames)
	} else {
		pcm, err = p.inst.Generate(p.ctx, frames)
	}
	if err != nil {
		zeroBlock(left, right)
		p.emitLocked(ErrorReport{Context: "render", Err: err.Error()})
		return
	}
	rdst := right
	if rdst == nil {
		rdst = left
	}
	got := len(pcm) / 4
	for i := 0; i < frames; i++ {
		var l, r float32
		if i < got {
			l = float32(int16(binary.LittleEndian.Uint16(pcm[i*4:]))) / 32768
			r = float32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))) / 32768
		}
		left[i] = l * p.gain
		rdst[i] = r * p.gain
	}
}

// drainLocked services every message already queued, then returns. Messages
// are handled between blocks, never during sample generation.
func (p *Processor) drainLocked() {
	for {
		select {
		case msg, ok := <-p.in:
			if !ok {
				p.stopped = true
				return
			}
			p.handleLocked(msg)
		default:
			return
		}
	}
}

func (p *Processor) handleLocked(msg Message) {
	switch m := msg.(type) {
	case Ping:
		p.emitLocked(Pong{Seq: m.Seq})

	case NoteOn:
		p.eventLocked("noteOn", p.inst.NoteOn, m.Channel, m.Note, m.Velocity)
	case NoteOff:
		if p.inst != nil {
			p.reportLocked("noteOff", p.inst.NoteOff(p.ctx, m.Channel, m.Note))
		}
	case PitchBend:
		if p.inst != nil {
			p.reportLocked("pitchBend", p.inst.PitchBend(p.ctx, m.Channel, m.Value))
		}
	case ControllerChange:
		p.eventLocked("controllerChange", p.inst.ControllerChange, m.Channel, m.Controller, m.Value)
	case ProgramChange:
		if p.inst != nil {
			p.reportLocked("programChange", p.inst.ProgramChange(p.ctx, m.Channel, m.Program))
		}
	case PanicAll:
		if p.inst != nil {
			p.reportLocked("panic", p.inst.Panic(p.ctx))
		}

	case ConfigUpdate:
		p.applyConfigLocked(m)

	case LoadBank:
		ok := false
		if p.inst != nil {
			st, err := p.inst.LoadBank(p.ctx, m.Data)
			p.reportLocked("loadBank", err)
			ok = err == nil && st.OK()
		}
		p.emitLocked(BankLoaded{Seq: m.Seq, OK: ok})

	case GetInstrument:
		reply := InstrumentData{Seq: m.Seq}
		if p.inst != nil {
			ins, st, err := p.inst.GetInstrument(p.ctx, m.Bank, m.Program, false)
			p.reportLocked("getInstrument", err)
			if err == nil && st.OK() {
				reply.OK = true
				reply.Instrument = ins
			}
		}
		p.emitLocked(reply)

	case SetInstrument:
		ok := false
		if p.inst != nil {
			st, err := p.inst.SetInstrument(p.ctx, m.Bank, m.Program, m.Instrument, true)
			p.reportLocked("setInstrument", err)
			ok = err == nil && st.OK()
		}
		p.emitLocked(InstrumentStored{Seq: m.Seq, OK: ok})

	case LoadSong:
		reply := SongLoaded{Seq: m.Seq}
		if p.inst != nil {
			st, err := p.inst.LoadMIDI(p.ctx, m.Data)
			p.reportLocked("loadSong", err)
			if err == nil && st.OK() {
				reply.OK = true
				reply.DurationSeconds, _ = p.inst.DurationSeconds(p.ctx)
			}
		}
		p.emitLocked(reply)

	case PlaySong:
		p.filePlayback = true
	case StopSong:
		p.filePlayback = false
	case Seek:
		if p.inst != nil {
			p.reportLocked("seek", p.inst.Seek(p.ctx, m.Seconds))
		}
	case SetLoop:
		if p.inst != nil {
			p.reportLocked("setLoop", p.inst.SetLoop(p.ctx, m.Enabled))
		}
	case SetTempo:
		if p.inst != nil {
			p.reportLocked("setTempo", p.inst.SetTempo(p.ctx, m.Multiplier))
		}

	case QueryState:
		reply := StateReport{Seq: m.Seq, FilePlayback: p.filePlayback}
		if p.inst != nil {
			reply.PositionSeconds, _ = p.inst.PositionSeconds(p.ctx)
			reply.DurationSeconds, _ = p.inst.DurationSeconds(p.ctx)
			reply.AtEnd, _ = p.inst.AtEnd(p.ctx)
		}
		p.emitLocked(reply)

	default:
		p.log.Warn("unhandled message", zap.Uint8("kind", uint8(msg.Kind())))
	}
}

func (p *Processor) eventLocked(op string, fn func(context.Context, int, int, int) error, a, b, c int) {
	if p.inst == nil {
		return
	}
	p.reportLocked(op, fn(p.ctx, a, b, c))
}

func (p *Processor) applyConfigLocked(m ConfigUpdate) {
	reply := ConfigApplied{Seq: m.Seq, Gain: m.Gain, Emulator: p.emulator}
	p.gain = float32(m.Gain)
	if p.inst != nil {
		reply.Applied = true
		if m.Emulator != p.emulator {
			st, err := p.inst.SwitchEmulator(p.ctx, m.Emulator)
			if err == nil && st.OK() {
				p.emulator = m.Emulator
			} else {
				reply.Applied = false
				p.reportLocked("configUpdate", err)
			}
			reply.Emulator = p.emulator
		}
		reply.ChipName, _ = p.inst.ChipName(p.ctx)
	}
	p.emitLocked(reply)
}

// emitLocked sends without blocking; the render path cannot wait on a full
// reply channel.
func (p *Processor) emitLocked(msg Message) {
	if p.outClosed {
		return
	}
	select {
	case p.out <- msg:
	default:
		p.log.Warn("reply channel full, dropping message",
			zap.Uint8("kind", uint8(msg.Kind())))
	}
}

func (p *Processor) reportLocked(op string, err error) {
	if err != nil {
		p.emitLocked(ErrorReport{Context: op, Err: err.Error()})
	}
}

// report is the unlocked variant for Initialize failures.
func (p *Processor) report(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportLocked(op, err)
}

func zeroBlock(left, right []float32) {
	for i := range left {
		left[i] = 0
	}
	for i := range right {
		right[i] = 0
	}
}
