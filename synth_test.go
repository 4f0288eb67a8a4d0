package oplbridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tsonoda/oplbridge-go/internal/engine"
	"github.com/tsonoda/oplbridge-go/internal/enginetest"
	"github.com/tsonoda/oplbridge-go/opl"
)

func fakeLoader(fake *enginetest.Fake) engine.Loader {
	return func(context.Context, []byte) (engine.Module, error) { return fake, nil }
}

func newTestSynth(t *testing.T, opts ...Option) (*Synth, *enginetest.Fake) {
	t.Helper()
	fake := enginetest.New()
	opts = append([]Option{WithModuleBytes([]byte{0}), withLoader(fakeLoader(fake))}, opts...)
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("new synth: %v", err)
	}
	if err := s.Init(context.Background(), 48000); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s, fake
}

func peak(samples []float32) float32 {
	var p float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}

func TestNewRequiresModule(t *testing.T) {
	if _, err := New(); err == nil || !strings.Contains(err.Error(), "no engine module") {
		t.Fatalf("New without module location = %v, want config error", err)
	}
}

func TestMethodsBeforeInit(t *testing.T) {
	s, err := New(WithModuleBytes([]byte{0}))
	if err != nil {
		t.Fatalf("new synth: %v", err)
	}
	ctx := context.Background()
	if err := s.NoteOn(ctx, 0, 60, 100); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("noteOn before init = %v, want ErrNotInitialized", err)
	}
	if !strings.Contains(ErrNotInitialized.Error(), "initialized") {
		t.Fatal("not-initialized error should mention initialization state")
	}
	if _, err := s.Generate(ctx, 128); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("generate before init = %v, want ErrNotInitialized", err)
	}
}

func TestDoubleInitRejected(t *testing.T) {
	s, _ := newTestSynth(t)
	if err := s.Init(context.Background(), 44100); err == nil {
		t.Fatal("second Init should fail until the synth is closed")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, fake := newTestSynth(t)
	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if fake.Handles() != 0 {
		t.Fatalf("engine handles after close = %d, want 0", fake.Handles())
	}
	if fake.Outstanding() != 0 {
		t.Fatalf("outstanding allocations after close = %d, want 0", fake.Outstanding())
	}
	if err := s.NoteOn(ctx, 0, 60, 100); !errors.Is(err, ErrClosed) {
		t.Fatalf("noteOn after close = %v, want ErrClosed", err)
	}
}

func TestGenerateNormalized(t *testing.T) {
	s, _ := newTestSynth(t)
	ctx := context.Background()
	if err := s.NoteOn(ctx, 0, 69, 127); err != nil {
		t.Fatalf("noteOn: %v", err)
	}
	samples, err := s.Generate(ctx, 512)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(samples) != 512*2 {
		t.Fatalf("samples = %d, want %d", len(samples), 512*2)
	}
	p := peak(samples)
	if p == 0 {
		t.Fatal("sounding note produced silence")
	}
	if p > 1 {
		t.Fatalf("peak = %v, samples must stay within [-1, 1]", p)
	}
}

func TestNoteDecayAfterRelease(t *testing.T) {
	s, _ := newTestSynth(t)
	ctx := context.Background()
	if err := s.NoteOn(ctx, 0, 69, 127); err != nil {
		t.Fatalf("noteOn: %v", err)
	}
	var sustained []float32
	for i := 0; i < 4; i++ {
		buf, err := s.Generate(ctx, 512)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		sustained = append(sustained, buf...)
	}
	if err := s.NoteOff(ctx, 0, 69); err != nil {
		t.Fatalf("noteOff: %v", err)
	}
	var tail []float32
	for i := 0; i < 40; i++ {
		buf, err := s.Generate(ctx, 512)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		tail = buf
	}
	sustainPeak, tailPeak := peak(sustained), peak(tail)
	if tailPeak >= sustainPeak/2 {
		t.Fatalf("peak after decay = %v, want < half of sustained peak %v", tailPeak, sustainPeak)
	}
}

func TestSwitchEmulatorFailureKeepsName(t *testing.T) {
	s, _ := newTestSynth(t)
	ctx := context.Background()
	name, err := s.ChipName(ctx)
	if err != nil {
		t.Fatalf("chip name: %v", err)
	}
	if err := s.SwitchEmulator(ctx, 99); !errors.Is(err, ErrEngine) {
		t.Fatalf("switch to missing emulator = %v, want ErrEngine", err)
	}
	after, err := s.ChipName(ctx)
	if err != nil {
		t.Fatalf("chip name: %v", err)
	}
	if after != name {
		t.Fatalf("active emulator changed after failed switch: %q -> %q", name, after)
	}
}

func TestInitWithUnavailableEmulatorFails(t *testing.T) {
	fake := enginetest.New()
	s, err := New(WithModuleBytes([]byte{0}), withLoader(fakeLoader(fake)), WithEmulator(42))
	if err != nil {
		t.Fatalf("new synth: %v", err)
	}
	if err := s.Init(context.Background(), 48000); !errors.Is(err, ErrEngine) {
		t.Fatalf("init with unavailable emulator = %v, want ErrEngine", err)
	}
	if fake.Handles() != 0 {
		t.Fatalf("engine handle leaked on failed init: %d", fake.Handles())
	}
}

func TestInstrumentRoundTripPreservesFields(t *testing.T) {
	s, fake := newTestSynth(t)
	ctx := context.Background()
	id := opl.BankID{MSB: 0, LSB: 0}
	ins := opl.DefaultInstrument()
	ins.Blank = false
	ins.FourOp = true
	ins.Feedback1 = 3
	ins.Operators[0].Attack = 12
	ins.Operators[3].Waveform = 5
	ins.DelayOffMs = 250

	if ok, err := s.SetInstrument(ctx, id, 30, ins); err != nil || !ok {
		t.Fatalf("set instrument: ok=%t err=%v", ok, err)
	}
	got, err := s.GetInstrument(ctx, id, 30)
	if err != nil {
		t.Fatalf("get instrument: %v", err)
	}
	if got != ins {
		t.Fatalf("first round trip mismatch\ngot:  %+v\nwant: %+v", got, ins)
	}

	// Mutate exactly one field and round-trip again.
	got.Operators[1].TotalLevel = 7
	if ok, err := s.SetInstrument(ctx, id, 30, got); err != nil || !ok {
		t.Fatalf("second set: ok=%t err=%v", ok, err)
	}
	again, err := s.GetInstrument(ctx, id, 30)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	want := ins
	want.Operators[1].TotalLevel = 7
	if again != want {
		t.Fatalf("second round trip mismatch\ngot:  %+v\nwant: %+v", again, want)
	}
	if fake.Outstanding() != 0 {
		t.Fatalf("outstanding allocations = %d, want 0", fake.Outstanding())
	}
}

func TestGetInstrumentMiss(t *testing.T) {
	s, fake := newTestSynth(t)
	_, err := s.GetInstrument(context.Background(), opl.BankID{MSB: 77}, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing instrument = %v, want ErrNotFound", err)
	}
	if fake.Outstanding() != 0 {
		t.Fatalf("outstanding allocations after miss = %d, want 0", fake.Outstanding())
	}
}

func TestFilePlayback(t *testing.T) {
	s, _ := newTestSynth(t)
	ctx := context.Background()
	if err := s.LoadMIDI(ctx, []byte("garbage")); !errors.Is(err, ErrEngine) {
		t.Fatalf("bogus MIDI load = %v, want ErrEngine", err)
	}
	if err := s.LoadMIDI(ctx, []byte("MThd\x00\x00\x00\x06")); err != nil {
		t.Fatalf("MIDI load: %v", err)
	}
	dur, err := s.DurationSeconds(ctx)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if dur <= 0 {
		t.Fatalf("duration = %v, want positive", dur)
	}
	if _, err := s.Play(ctx, 4800); err != nil {
		t.Fatalf("play: %v", err)
	}
	pos, err := s.PositionSeconds(ctx)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos <= 0 {
		t.Fatalf("position = %v, want advanced past 0", pos)
	}
	end, err := s.AtEnd(ctx)
	if err != nil {
		t.Fatalf("atEnd: %v", err)
	}
	if end {
		t.Fatal("song should not be at end after one short play call")
	}
}

func TestSetBank(t *testing.T) {
	s, _ := newTestSynth(t)
	ctx := context.Background()
	ok, err := s.SetBank(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("setBank(2): ok=%t err=%v", ok, err)
	}
	ok, err = s.SetBank(ctx, 1000)
	if err != nil {
		t.Fatalf("setBank(1000): %v", err)
	}
	if ok {
		t.Fatal("unknown embedded bank index should report false")
	}
}
