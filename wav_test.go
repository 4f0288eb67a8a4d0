package oplbridge

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tsonoda/oplbridge-go/internal/enginetest"
)

func TestEncodeWAVFloat32LE(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1}
	wav := EncodeWAVFloat32LE(samples, 48000, 2)

	if len(wav) != 44+len(samples)*4 {
		t.Fatalf("wav size = %d, want %d", len(wav), 44+len(samples)*4)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if tag := binary.LittleEndian.Uint16(wav[20:]); tag != 3 {
		t.Fatalf("format tag = %d, want 3 (IEEE float)", tag)
	}
	if rate := binary.LittleEndian.Uint32(wav[24:]); rate != 48000 {
		t.Fatalf("sample rate = %d, want 48000", rate)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:]); ch != 2 {
		t.Fatalf("channels = %d, want 2", ch)
	}
	if ds := binary.LittleEndian.Uint32(wav[40:]); ds != uint32(len(samples)*4) {
		t.Fatalf("data size = %d, want %d", ds, len(samples)*4)
	}
}

func TestRenderMIDIStopsAtSongEnd(t *testing.T) {
	fake := enginetest.New()
	samples, err := RenderMIDI(context.Background(), []byte("MThd\x00\x00\x00\x06"),
		48000, 60, WithModuleBytes([]byte{0}), withLoader(fakeLoader(fake)))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	frames := len(samples) / 2
	// The song is shorter than the cap; rendering must stop near its end,
	// not run out the full 60 seconds.
	if frames == 0 {
		t.Fatal("rendered no audio")
	}
	if frames > 10*48000 {
		t.Fatalf("rendered %d frames, song end was ignored", frames)
	}
	if fake.Handles() != 0 {
		t.Fatalf("engine handles after render = %d, want 0", fake.Handles())
	}
}

func TestRenderMIDIRejectsBadSong(t *testing.T) {
	fake := enginetest.New()
	_, err := RenderMIDI(context.Background(), []byte("garbage"),
		48000, 60, WithModuleBytes([]byte{0}), withLoader(fakeLoader(fake)))
	if err == nil {
		t.Fatal("bogus MIDI image should fail the render")
	}
	if fake.Handles() != 0 {
		t.Fatalf("engine handle leaked on failed render: %d", fake.Handles())
	}
}
