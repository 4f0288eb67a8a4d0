package oplbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tsonoda/oplbridge-go/internal/audio"
	"github.com/tsonoda/oplbridge-go/internal/worklet"
	"github.com/tsonoda/oplbridge-go/opl"
)

// ErrRequestCancelled resolves a request whose reply can no longer arrive:
// a newer request of the same kind superseded it, or the node closed.
var ErrRequestCancelled = errors.New("oplbridge: request cancelled (superseded or node closed)")

// ConfigResult reports the settings actually in effect after UpdateConfig.
// When an emulator switch fails, Applied is false and Emulator/ChipName
// describe the unchanged core.
type ConfigResult struct {
	Applied  bool
	Gain     float64
	Emulator int
	ChipName string
}

// PlaybackState is the realtime context's answer to State.
type PlaybackState struct {
	PositionSeconds float64
	DurationSeconds float64
	AtEnd           bool
	FilePlayback    bool
}

type pendingReply struct {
	seq uint32
	ch  chan worklet.Message
}

// Node is the control-side facade over the realtime rendering context. The
// two sides share nothing: the rendering context owns its own engine module
// and the Node reaches it only through ordered message channels. Methods
// with a natural reply block until the matching acknowledgement arrives;
// concurrent requests of the same kind resolve last-request-wins, never
// deadlocking or leaking a waiter.
type Node struct {
	log     *zap.Logger
	proc    *worklet.Processor
	out     *audio.Output
	in      chan worklet.Message
	replies chan worklet.Message

	seq      atomic.Uint32
	readyCh  chan struct{}
	closedCh chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	pending  map[worklet.Kind]*pendingReply
	chipName string
	closed   bool
	pumpStop chan struct{}
}

// NewNode builds the audio graph: the isolated rendering context with its
// own engine instantiation, the command/reply channels, and the output
// device pulling one 128-frame block per callback. With WithHeadless the
// device is replaced by an internal block-cadence scheduler. Engine
// initialization is asynchronous; use WaitReady to await it.
func NewNode(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	image, err := cfg.moduleImage()
	if err != nil {
		return nil, err
	}
	in := make(chan worklet.Message, 64)
	replies := make(chan worklet.Message, 64)
	proc := worklet.NewProcessor(cfg.logger, cfg.loader, in, replies)
	n := &Node{
		log:      cfg.logger,
		proc:     proc,
		in:       in,
		replies:  replies,
		readyCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
		pending:  make(map[worklet.Kind]*pendingReply),
	}
	if cfg.headless {
		n.pumpStop = make(chan struct{})
		n.wg.Add(1)
		go n.pump(cfg.sampleRate)
	} else {
		out, err := audio.NewOutput(cfg.sampleRate, worklet.NewBlockReader(proc))
		if err != nil {
			return nil, err
		}
		n.out = out
		out.Play()
	}
	n.wg.Add(1)
	go n.dispatch()
	go proc.Initialize(context.Background(), image, cfg.sampleRate, cfg.gain, cfg.emulator)
	return n, nil
}

// pump stands in for the audio device in headless mode, invoking the render
// callback at the cadence the sample rate implies.
func (n *Node) pump(sampleRate int) {
	defer n.wg.Done()
	interval := time.Duration(worklet.BlockFrames) * time.Second / time.Duration(sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var left, right [worklet.BlockFrames]float32
	for {
		select {
		case <-n.pumpStop:
			return
		case <-ticker.C:
			n.proc.ProcessBlock(left[:], right[:])
		}
	}
}

// dispatch routes replies to their one-shot waiters. A reply whose
// correlation id does not match the registered waiter is stale and dropped.
func (n *Node) dispatch() {
	defer n.wg.Done()
	for msg := range n.replies {
		switch m := msg.(type) {
		case worklet.Ready:
			n.mu.Lock()
			n.chipName = m.ChipName
			n.mu.Unlock()
			select {
			case <-n.readyCh:
			default:
				close(n.readyCh)
			}
		case worklet.ErrorReport:
			n.log.Warn("rendering context error",
				zap.String("context", m.Context), zap.String("error", m.Err))
		default:
			if r, ok := msg.(worklet.Reply); ok {
				n.resolve(msg.Kind(), r.ReplySeq(), msg)
			}
		}
	}
	// Reply channel closed: release every remaining waiter.
	n.mu.Lock()
	for kind, pc := range n.pending {
		delete(n.pending, kind)
		close(pc.ch)
	}
	n.mu.Unlock()
}

func (n *Node) resolve(kind worklet.Kind, seq uint32, msg worklet.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pc := n.pending[kind]
	if pc == nil || pc.seq != seq {
		n.log.Debug("dropping stale reply", zap.Uint8("kind", uint8(kind)))
		return
	}
	delete(n.pending, kind)
	pc.ch <- msg
}

// WaitReady blocks until the rendering context reports its engine is up.
func (n *Node) WaitReady(ctx context.Context) error {
	select {
	case <-n.readyCh:
		return nil
	case <-n.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChipName reports the active emulator core's name as of the last Ready or
// UpdateConfig.
func (n *Node) ChipName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chipName
}

func (n *Node) send(ctx context.Context, msg worklet.Message) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case n.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roundTrip registers a one-shot waiter for the expected reply kind before
// sending, so the reply cannot race the registration. Registering over an
// existing waiter cancels it: last request wins.
func (n *Node) roundTrip(ctx context.Context, req worklet.Message, replyKind worklet.Kind, seq uint32) (worklet.Message, error) {
	ch := make(chan worklet.Message, 1)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if old := n.pending[replyKind]; old != nil {
		close(old.ch)
	}
	n.pending[replyKind] = &pendingReply{seq: seq, ch: ch}
	n.mu.Unlock()

	if err := n.send(ctx, req); err != nil {
		n.cancel(replyKind, seq)
		return nil, err
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrRequestCancelled
		}
		return msg, nil
	case <-ctx.Done():
		n.cancel(replyKind, seq)
		return nil, ctx.Err()
	}
}

func (n *Node) cancel(kind worklet.Kind, seq uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if pc := n.pending[kind]; pc != nil && pc.seq == seq {
		delete(n.pending, kind)
	}
}

// Ping round-trips a liveness probe through the rendering context.
func (n *Node) Ping(ctx context.Context) error {
	seq := n.seq.Add(1)
	_, err := n.roundTrip(ctx, worklet.Ping{Seq: seq}, worklet.KindPong, seq)
	return err
}

func (n *Node) NoteOn(ctx context.Context, channel, note, velocity int) error {
	return n.send(ctx, worklet.NoteOn{Channel: channel, Note: note, Velocity: velocity})
}

func (n *Node) NoteOff(ctx context.Context, channel, note int) error {
	return n.send(ctx, worklet.NoteOff{Channel: channel, Note: note})
}

func (n *Node) PitchBend(ctx context.Context, channel, value int) error {
	return n.send(ctx, worklet.PitchBend{Channel: channel, Value: value})
}

func (n *Node) ControllerChange(ctx context.Context, channel, controller, value int) error {
	return n.send(ctx, worklet.ControllerChange{Channel: channel, Controller: controller, Value: value})
}

func (n *Node) ProgramChange(ctx context.Context, channel, program int) error {
	return n.send(ctx, worklet.ProgramChange{Channel: channel, Program: program})
}

// Panic releases every sounding note in the rendering context.
func (n *Node) Panic(ctx context.Context) error {
	return n.send(ctx, worklet.PanicAll{})
}

// UpdateConfig applies gain and emulator settings on the rendering side and
// returns what actually took effect.
func (n *Node) UpdateConfig(ctx context.Context, gain float64, emulator int) (ConfigResult, error) {
	seq := n.seq.Add(1)
	msg, err := n.roundTrip(ctx, worklet.ConfigUpdate{Seq: seq, Gain: gain, Emulator: emulator}, worklet.KindConfigApplied, seq)
	if err != nil {
		return ConfigResult{}, err
	}
	m := msg.(worklet.ConfigApplied)
	n.mu.Lock()
	n.chipName = m.ChipName
	n.mu.Unlock()
	return ConfigResult{Applied: m.Applied, Gain: m.Gain, Emulator: m.Emulator, ChipName: m.ChipName}, nil
}

// LoadBank ships a bank image to the rendering context. False means the
// engine rejected it.
func (n *Node) LoadBank(ctx context.Context, data []byte) (bool, error) {
	seq := n.seq.Add(1)
	msg, err := n.roundTrip(ctx, worklet.LoadBank{Seq: seq, Data: data}, worklet.KindBankLoaded, seq)
	if err != nil {
		return false, err
	}
	return msg.(worklet.BankLoaded).OK, nil
}

// GetInstrument reads one program from the rendering context's engine. A
// miss returns ErrNotFound.
func (n *Node) GetInstrument(ctx context.Context, id opl.BankID, program int) (opl.Instrument, error) {
	seq := n.seq.Add(1)
	msg, err := n.roundTrip(ctx, worklet.GetInstrument{Seq: seq, Bank: id, Program: program}, worklet.KindInstrumentData, seq)
	if err != nil {
		return opl.Instrument{}, err
	}
	m := msg.(worklet.InstrumentData)
	if !m.OK {
		return opl.Instrument{}, fmt.Errorf("%w: bank msb=%d lsb=%d percussive=%t program %d",
			ErrNotFound, id.MSB, id.LSB, id.Percussive, program)
	}
	return m.Instrument, nil
}

// SetInstrument writes one program into the rendering context's engine.
func (n *Node) SetInstrument(ctx context.Context, id opl.BankID, program int, ins opl.Instrument) (bool, error) {
	seq := n.seq.Add(1)
	msg, err := n.roundTrip(ctx, worklet.SetInstrument{Seq: seq, Bank: id, Program: program, Instrument: ins}, worklet.KindInstrumentStored, seq)
	if err != nil {
		return false, err
	}
	return msg.(worklet.InstrumentStored).OK, nil
}

// LoadSong hands a MIDI image to the rendering context and returns the
// song's duration in seconds.
func (n *Node) LoadSong(ctx context.Context, data []byte) (float64, error) {
	seq := n.seq.Add(1)
	msg, err := n.roundTrip(ctx, worklet.LoadSong{Seq: seq, Data: data}, worklet.KindSongLoaded, seq)
	if err != nil {
		return 0, err
	}
	m := msg.(worklet.SongLoaded)
	if !m.OK {
		return 0, fmt.Errorf("%w: song rejected", ErrEngine)
	}
	return m.DurationSeconds, nil
}

// PlaySong switches the rendering context into file-playback mode. Realtime
// note events keep working while a song plays.
func (n *Node) PlaySong(ctx context.Context) error {
	return n.send(ctx, worklet.PlaySong{})
}

// StopSong returns the rendering context to pure realtime mode; the song
// keeps its position.
func (n *Node) StopSong(ctx context.Context) error {
	return n.send(ctx, worklet.StopSong{})
}

func (n *Node) Seek(ctx context.Context, seconds float64) error {
	return n.send(ctx, worklet.Seek{Seconds: seconds})
}

func (n *Node) SetLoop(ctx context.Context, enabled bool) error {
	return n.send(ctx, worklet.SetLoop{Enabled: enabled})
}

func (n *Node) SetTempo(ctx context.Context, multiplier float64) error {
	return n.send(ctx, worklet.SetTempo{Multiplier: multiplier})
}

// State queries playback position, duration, end flag and mode.
func (n *Node) State(ctx context.Context) (PlaybackState, error) {
	seq := n.seq.Add(1)
	msg, err := n.roundTrip(ctx, worklet.QueryState{Seq: seq}, worklet.KindStateReport, seq)
	if err != nil {
		return PlaybackState{}, err
	}
	m := msg.(worklet.StateReport)
	return PlaybackState{
		PositionSeconds: m.PositionSeconds,
		DurationSeconds: m.DurationSeconds,
		AtEnd:           m.AtEnd,
		FilePlayback:    m.FilePlayback,
	}, nil
}

// Close tears down the audio graph and the rendering context. Safe to call
// repeatedly.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	close(n.closedCh)

	var cerr error
	if n.out != nil {
		cerr = n.out.Close()
	}
	if n.pumpStop != nil {
		close(n.pumpStop)
	}
	n.proc.Shutdown(ctx)
	n.wg.Wait()
	return cerr
}
