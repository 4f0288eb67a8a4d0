package worklet

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/tsonoda/oplbridge-go/internal/engine"
	"github.com/tsonoda/oplbridge-go/internal/enginetest"
	"github.com/tsonoda/oplbridge-go/opl"
)

func newTestProcessor(t *testing.T) (*Processor, *enginetest.Fake, chan Message, chan Message) {
	t.Helper()
	fake := enginetest.New()
	in := make(chan Message, 64)
	out := make(chan Message, 64)
	loader := func(context.Context, []byte) (engine.Module, error) { return fake, nil }
	p := NewProcessor(zap.NewNop(), loader, in, out)
	return p, fake, in, out
}

func initProcessor(t *testing.T, p *Processor) {
	t.Helper()
	p.Initialize(context.Background(), nil, 48000, 1, 0)
}

// nextMessage pops one queued reply or fails; replies are emitted
// synchronously in these tests, so no waiting is involved.
func nextMessage(t *testing.T, out chan Message) Message {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	default:
		t.Fatal("expected a queued message")
		return nil
	}
}

func processOne(p *Processor) ([]float32, []float32) {
	var left, right [BlockFrames]float32
	p.ProcessBlock(left[:], right[:])
	return left[:], right[:]
}

func isSilent(buf []float32) bool {
	for _, s := range buf {
		if s != 0 {
			return false
		}
	}
	return true
}

func TestProcessBlockBeforeReady(t *testing.T) {
	p, _, _, out := newTestProcessor(t)
	left, right := processOne(p)
	if !isSilent(left) || !isSilent(right) {
		t.Fatal("block before ready should be silent")
	}
	select {
	case msg := <-out:
		t.Fatalf("unexpected message before ready: %+v", msg)
	default:
	}
}

func TestInitializeAnnouncesReady(t *testing.T) {
	p, _, _, out := newTestProcessor(t)
	initProcessor(t, p)
	msg := nextMessage(t, out)
	ready, ok := msg.(Ready)
	if !ok {
		t.Fatalf("first message = %T, want Ready", msg)
	}
	if ready.SampleRate != 48000 {
		t.Fatalf("ready sample rate = %d, want 48000", ready.SampleRate)
	}
	if ready.ChipName == "" {
		t.Fatal("ready should carry the active chip name")
	}
}

func TestInitializeWithMissingEmulatorFallsBack(t *testing.T) {
	p, _, _, out := newTestProcessor(t)
	p.Initialize(context.Background(), nil, 48000, 1, 99)
	if _, ok := nextMessage(t, out).(ErrorReport); !ok {
		t.Fatal("failed emulator switch during init should report an error")
	}
	if _, ok := nextMessage(t, out).(Ready); !ok {
		t.Fatal("processor should still come up on the default core")
	}
}

func TestPingPong(t *testing.T) {
	p, _, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out // Ready
	in <- Ping{Seq: 42}
	processOne(p)
	pong, ok := nextMessage(t, out).(Pong)
	if !ok || pong.Seq != 42 {
		t.Fatalf("got %+v, want Pong{Seq:42}", pong)
	}
}

func TestNoteEventsProduceAudio(t *testing.T) {
	p, _, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out
	in <- NoteOn{Channel: 0, Note: 60, Velocity: 120}
	left, right := processOne(p)
	if isSilent(left) || isSilent(right) {
		t.Fatal("sounding note should produce non-silent block")
	}
	for i := range left {
		if left[i] > 1 || left[i] < -1 || right[i] > 1 || right[i] < -1 {
			t.Fatalf("sample %d out of [-1,1]: %v/%v", i, left[i], right[i])
		}
	}
}

func TestMonoFallback(t *testing.T) {
	p, _, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out
	in <- NoteOn{Channel: 0, Note: 60, Velocity: 120}
	var left [BlockFrames]float32
	if keep := p.ProcessBlock(left[:], nil); !keep {
		t.Fatal("keep-alive must hold for mono output")
	}
	if isSilent(left[:]) {
		t.Fatal("mono block should carry the note")
	}
}

func TestInstrumentEditMessages(t *testing.T) {
	p, fake, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out
	id := opl.BankID{MSB: 4}
	ins := opl.DefaultInstrument()
	ins.Operators[1].Decay = 9

	in <- GetInstrument{Seq: 1, Bank: id, Program: 5}
	processOne(p)
	if data := nextMessage(t, out).(InstrumentData); data.OK || data.Seq != 1 {
		t.Fatalf("lookup before store = %+v, want OK=false seq=1", data)
	}

	in <- SetInstrument{Seq: 2, Bank: id, Program: 5, Instrument: ins}
	processOne(p)
	if stored := nextMessage(t, out).(InstrumentStored); !stored.OK || stored.Seq != 2 {
		t.Fatalf("store = %+v, want OK seq=2", stored)
	}

	in <- GetInstrument{Seq: 3, Bank: id, Program: 5}
	processOne(p)
	data := nextMessage(t, out).(InstrumentData)
	if !data.OK || data.Instrument != ins {
		t.Fatalf("lookup after store = %+v, want stored instrument", data)
	}
	if fake.Outstanding() != 0 {
		t.Fatalf("outstanding allocations = %d, want 0", fake.Outstanding())
	}
}

func TestSongPlaybackModes(t *testing.T) {
	p, _, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out

	in <- LoadSong{Seq: 1, Data: []byte("MThd\x00\x00\x00\x06")}
	processOne(p)
	loaded := nextMessage(t, out).(SongLoaded)
	if !loaded.OK || loaded.DurationSeconds <= 0 {
		t.Fatalf("song load = %+v, want OK with positive duration", loaded)
	}

	// Realtime mode: position must not advance.
	in <- QueryState{Seq: 2}
	processOne(p)
	st := nextMessage(t, out).(StateReport)
	if st.FilePlayback || st.PositionSeconds != 0 {
		t.Fatalf("state before play = %+v, want realtime mode at position 0", st)
	}

	in <- PlaySong{}
	for i := 0; i < 10; i++ {
		processOne(p)
	}
	in <- QueryState{Seq: 3}
	processOne(p)
	st = nextMessage(t, out).(StateReport)
	if !st.FilePlayback || st.PositionSeconds <= 0 {
		t.Fatalf("state during play = %+v, want file playback with advanced position", st)
	}

	in <- StopSong{}
	in <- QueryState{Seq: 4}
	processOne(p)
	st = nextMessage(t, out).(StateReport)
	if st.FilePlayback {
		t.Fatalf("state after stop = %+v, want realtime mode", st)
	}
	pos := st.PositionSeconds
	processOne(p)
	in <- QueryState{Seq: 5}
	processOne(p)
	st = nextMessage(t, out).(StateReport)
	if st.PositionSeconds != pos {
		t.Fatalf("position advanced in realtime mode: %v -> %v", pos, st.PositionSeconds)
	}
}

func TestNotesMixDuringFilePlayback(t *testing.T) {
	p, _, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out
	in <- LoadSong{Seq: 1, Data: []byte("MThd\x00\x00\x00\x06")}
	in <- PlaySong{}
	in <- NoteOn{Channel: 3, Note: 72, Velocity: 100}
	left, _ := processOne(p)
	<-out // SongLoaded
	if isSilent(left) {
		t.Fatal("realtime note during file playback should be audible")
	}
}

func TestConfigUpdate(t *testing.T) {
	p, _, in, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out

	in <- ConfigUpdate{Seq: 1, Gain: 0.5, Emulator: 1}
	processOne(p)
	applied := nextMessage(t, out).(ConfigApplied)
	if !applied.Applied || applied.Emulator != 1 || applied.ChipName == "" {
		t.Fatalf("config apply = %+v, want applied emulator 1", applied)
	}

	in <- ConfigUpdate{Seq: 2, Gain: 0.5, Emulator: 66}
	processOne(p)
	applied = nextMessage(t, out).(ConfigApplied)
	if applied.Applied {
		t.Fatal("switch to missing emulator must not report applied")
	}
	if applied.Emulator != 1 {
		t.Fatalf("emulator after failed switch = %d, want unchanged 1", applied.Emulator)
	}
}

func TestRenderPanicIsContained(t *testing.T) {
	p, fake, _, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out
	fake.PanicOn = "fme_generate"
	var left, right [BlockFrames]float32
	left[0] = 0.7
	if keep := p.ProcessBlock(left[:], right[:]); !keep {
		t.Fatal("keep-alive must hold through a render panic")
	}
	if !isSilent(left[:]) || !isSilent(right[:]) {
		t.Fatal("panicked block should be silenced")
	}
	report, ok := nextMessage(t, out).(ErrorReport)
	if !ok || report.Context != "render" {
		t.Fatalf("got %+v, want render ErrorReport", report)
	}
	// Recovery is per block: once the engine behaves, rendering resumes.
	fake.PanicOn = ""
	if keep := p.ProcessBlock(left[:], right[:]); !keep {
		t.Fatal("keep-alive must hold after recovery")
	}
}

func TestShutdown(t *testing.T) {
	p, fake, _, out := newTestProcessor(t)
	initProcessor(t, p)
	<-out
	ctx := context.Background()
	p.Shutdown(ctx)
	p.Shutdown(ctx) // idempotent
	if fake.Handles() != 0 {
		t.Fatalf("engine handles after shutdown = %d, want 0", fake.Handles())
	}
	if !fake.Closed() {
		t.Fatal("module should be closed on shutdown")
	}
	if _, open := <-out; open {
		t.Fatal("reply channel should be closed after shutdown")
	}
	left, right := processOne(p)
	if !isSilent(left) || !isSilent(right) {
		t.Fatal("blocks after shutdown should be silent")
	}
}

func TestBlockReaderFillsArbitraryReads(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)
	r := NewBlockReader(p)
	buf := make([]byte, 1000) // not a multiple of the block byte size
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("read = %d bytes, want %d", n, len(buf))
	}
	n, err = r.Read(buf[:48])
	if err != nil || n != 48 {
		t.Fatalf("short read = %d, %v; want 48, nil", n, err)
	}
}
