// Package enginetest provides an in-process stand-in for the byte-code
// engine module. It speaks the same exported-function ABI over a fake linear
// memory, models enough synthesis behavior (voices with release decay, bank
// storage, song playback position) for bridge tests to make real assertions,
// and keeps an allocation ledger so leak-freedom of scratch buffers is
// testable.
package enginetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

const (
	memSize   = 1 << 20
	heapBase  = 0x1000
	nameBase  = 0x100 // static chip-name strings live below the heap
	songLen   = 2.5   // seconds reported for any accepted song
	voiceGain = 8000
	// Per-sample amplitude multiplier applied after note-off.
	releaseDecay = 0.9990
)

var emulatorNames = []string{"Nuked OPL3", "DOSBox OPL3"}

type voice struct {
	freq     float64
	phase    float64
	amp      float64
	released bool
}

type synth struct {
	sampleRate int
	emulator   int
	voices     map[[2]int]*voice
	fading     []*voice
	banks      map[[3]byte]map[int][]byte
	bankRefs   map[uint32][3]byte
	nextRef    uint32
	songLoaded bool
	position   float64
	loop       bool
	tempo      float64
	phaseSeed  float64
}

// Fake implements engine.Module without any WebAssembly underneath.
type Fake struct {
	mu      sync.Mutex
	mem     []byte
	next    uint32
	allocs  map[uint32]uint32
	handles map[uint32]*synth
	nextH   uint32
	closed  bool

	// PanicOn makes Call panic when invoked with that export name. Used to
	// exercise the realtime bridge's recover path.
	PanicOn string
}

// New returns a fresh fake module with the emulator name table in place.
func New() *Fake {
	f := &Fake{
		mem:     make([]byte, memSize),
		next:    heapBase,
		allocs:  make(map[uint32]uint32),
		handles: make(map[uint32]*synth),
		nextH:   1,
	}
	off := uint32(nameBase)
	for _, name := range emulatorNames {
		copy(f.mem[off:], name)
		off += uint32(len(name)) + 1
	}
	return f
}

// Outstanding reports how many guest allocations have not been freed.
func (f *Fake) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allocs)
}

// Handles reports how many synth instances are live.
func (f *Fake) Handles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) nameAddr(id int) uint32 {
	off := uint32(nameBase)
	for i := 0; i < id; i++ {
		off += uint32(len(emulatorNames[i])) + 1
	}
	return off
}

func (f *Fake) Alloc(_ context.Context, n uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == 0 {
		n = 1
	}
	if f.next+n > memSize {
		return 0, errors.New("enginetest: out of fake memory")
	}
	ptr := f.next
	f.next += (n + 7) &^ 7
	f.allocs[ptr] = n
	return ptr, nil
}

func (f *Fake) Free(_ context.Context, ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.allocs[ptr]; !ok {
		return fmt.Errorf("enginetest: free of unallocated pointer 0x%x", ptr)
	}
	delete(f.allocs, ptr)
	return nil
}

func (f *Fake) Read(ptr, n uint32) ([]byte, error) {
	view, err := f.View(ptr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

func (f *Fake) View(ptr, n uint32) ([]byte, error) {
	if uint64(ptr)+uint64(n) > memSize {
		return nil, fmt.Errorf("enginetest: read of %d bytes at 0x%x out of range", n, ptr)
	}
	return f.mem[ptr : ptr+n], nil
}

func (f *Fake) Write(ptr uint32, data []byte) error {
	if uint64(ptr)+uint64(len(data)) > memSize {
		return fmt.Errorf("enginetest: write of %d bytes at 0x%x out of range", len(data), ptr)
	}
	copy(f.mem[ptr:], data)
	return nil
}

func (f *Fake) ReadCString(ptr uint32) (string, error) {
	for i := ptr; i < memSize; i++ {
		if f.mem[i] == 0 {
			return string(f.mem[ptr:i]), nil
		}
	}
	return "", errors.New("enginetest: unterminated string")
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func noteFreq(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

func bankKey(b []byte) [3]byte {
	var k [3]byte
	copy(k[:], b[:3])
	return k
}

// Call dispatches one ABI function. Unknown names error the way a missing
// export would.
func (f *Fake) Call(_ context.Context, name string, args ...uint64) ([]uint64, error) {
	if f.PanicOn == name {
		panic("enginetest: injected panic in " + name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ok := func() []uint64 { return []uint64{0} }
	fail := func() []uint64 { return []uint64{uint64(uint32(0xFFFFFFFF))} }

	if name == "fme_create" {
		s := &synth{
			sampleRate: int(uint32(args[0])),
			voices:     make(map[[2]int]*voice),
			banks:      make(map[[3]byte]map[int][]byte),
			bankRefs:   make(map[uint32][3]byte),
			nextRef:    1,
			tempo:      1,
		}
		if s.sampleRate <= 0 {
			return []uint64{0}, nil
		}
		h := f.nextH
		f.nextH++
		f.handles[h] = s
		return []uint64{uint64(h)}, nil
	}

	s := f.handles[uint32(args[0])]
	if s == nil {
		return nil, fmt.Errorf("enginetest: %s on dead handle %d", name, uint32(args[0]))
	}
	rest := args[1:]

	switch name {
	case "fme_destroy":
		delete(f.handles, uint32(args[0]))
		return nil, nil

	case "fme_note_on":
		ch, note, vel := int(uint32(rest[0])), int(uint32(rest[1])), int(uint32(rest[2]))
		s.phaseSeed += 0.1
		s.voices[[2]int{ch, note}] = &voice{
			freq:  noteFreq(note),
			phase: s.phaseSeed,
			amp:   float64(vel) / 127,
		}
		return nil, nil

	case "fme_note_off":
		key := [2]int{int(uint32(rest[0])), int(uint32(rest[1]))}
		if v := s.voices[key]; v != nil {
			v.released = true
			s.fading = append(s.fading, v)
			delete(s.voices, key)
		}
		return nil, nil

	case "fme_pitch_bend", "fme_controller_change", "fme_program_change",
		"fme_bank_change_msb", "fme_bank_change_lsb":
		return nil, nil

	case "fme_panic":
		for k, v := range s.voices {
			v.released = true
			s.fading = append(s.fading, v)
			delete(s.voices, k)
		}
		return nil, nil

	case "fme_set_bank":
		if int(uint32(rest[0])) < 4 { // four embedded banks compiled in
			return ok(), nil
		}
		return fail(), nil

	case "fme_load_bank":
		n := uint32(rest[1])
		data, err := f.viewLocked(uint32(rest[0]), n)
		if err != nil {
			return nil, err
		}
		if n >= 4 && string(data[:4]) == "WOPL" {
			return ok(), nil
		}
		return fail(), nil

	case "fme_get_bank":
		idBytes, err := f.viewLocked(uint32(rest[0]), 4)
		if err != nil {
			return nil, err
		}
		key := bankKey(idBytes)
		if _, exists := s.banks[key]; !exists {
			if rest[1]&1 == 0 {
				return fail(), nil
			}
			s.banks[key] = make(map[int][]byte)
		}
		ref := s.nextRef
		s.nextRef++
		s.bankRefs[ref] = key
		binary.LittleEndian.PutUint32(f.mem[uint32(rest[2]):], ref)
		return ok(), nil

	case "fme_get_instrument":
		key, exists := s.bankRefs[binary.LittleEndian.Uint32(f.mem[uint32(rest[0]):])]
		if !exists {
			return fail(), nil
		}
		blob, found := s.banks[key][int(uint32(rest[1]))]
		if !found {
			return fail(), nil
		}
		copy(f.mem[uint32(rest[2]):], blob)
		return ok(), nil

	case "fme_set_instrument":
		key, exists := s.bankRefs[binary.LittleEndian.Uint32(f.mem[uint32(rest[0]):])]
		if !exists {
			return fail(), nil
		}
		blob := make([]byte, 40)
		copy(blob, f.mem[uint32(rest[2]):uint32(rest[2])+40])
		s.banks[key][int(uint32(rest[1]))] = blob
		return ok(), nil

	case "fme_generate":
		return f.renderLocked(s, rest, false)

	case "fme_play":
		return f.renderLocked(s, rest, true)

	case "fme_load_midi":
		data, err := f.viewLocked(uint32(rest[0]), uint32(rest[1]))
		if err != nil {
			return nil, err
		}
		if len(data) >= 4 && string(data[:4]) == "MThd" {
			s.songLoaded = true
			s.position = 0
			return ok(), nil
		}
		return fail(), nil

	case "fme_position_seconds":
		return []uint64{api.EncodeF64(s.position)}, nil

	case "fme_total_seconds":
		if !s.songLoaded {
			return []uint64{api.EncodeF64(-1)}, nil
		}
		return []uint64{api.EncodeF64(songLen)}, nil

	case "fme_seek":
		s.position = api.DecodeF64(rest[0])
		return nil, nil

	case "fme_set_loop":
		s.loop = rest[0] != 0
		return nil, nil

	case "fme_set_tempo":
		s.tempo = api.DecodeF64(rest[0])
		return nil, nil

	case "fme_at_end":
		if s.songLoaded && !s.loop && s.position >= songLen {
			return []uint64{1}, nil
		}
		return []uint64{0}, nil

	case "fme_switch_emulator":
		id := int(uint32(rest[0]))
		if id < 0 || id >= len(emulatorNames) {
			return fail(), nil
		}
		s.emulator = id
		return ok(), nil

	case "fme_chip_name":
		return []uint64{uint64(f.nameAddr(s.emulator))}, nil

	case "malloc", "free":
		return nil, errors.New("enginetest: allocator reached through Call")

	default:
		return nil, fmt.Errorf("enginetest: module does not export %q", name)
	}
}

func (f *Fake) viewLocked(ptr, n uint32) ([]byte, error) {
	if uint64(ptr)+uint64(n) > memSize {
		return nil, fmt.Errorf("enginetest: access of %d bytes at 0x%x out of range", n, ptr)
	}
	return f.mem[ptr : ptr+n], nil
}

// renderLocked mixes the active voices into interleaved s16le at the given
// guest pointer and returns the interleaved sample count.
func (f *Fake) renderLocked(s *synth, rest []uint64, advance bool) ([]uint64, error) {
	frames := int(uint32(rest[0]))
	ptr := uint32(rest[1])
	if uint64(ptr)+uint64(frames*4) > memSize {
		return nil, errors.New("enginetest: render buffer out of range")
	}
	for i := 0; i < frames; i++ {
		var mix float64
		for _, v := range s.voices {
			mix += v.amp * math.Sin(v.phase)
			v.phase += 2 * math.Pi * v.freq / float64(s.sampleRate)
		}
		live := s.fading[:0]
		for _, v := range s.fading {
			mix += v.amp * math.Sin(v.phase)
			v.phase += 2 * math.Pi * v.freq / float64(s.sampleRate)
			v.amp *= releaseDecay
			if v.amp > 1e-4 {
				live = append(live, v)
			}
		}
		s.fading = live
		sample := int(mix * voiceGain)
		if sample > 32767 {
			sample = 32767
		} else if sample < -32768 {
			sample = -32768
		}
		binary.LittleEndian.PutUint16(f.mem[ptr+uint32(i*4):], uint16(int16(sample)))
		binary.LittleEndian.PutUint16(f.mem[ptr+uint32(i*4+2):], uint16(int16(sample)))
	}
	if advance && s.songLoaded {
		s.position += float64(frames) / float64(s.sampleRate) * s.tempo
		if s.position > songLen {
			if s.loop {
				s.position -= songLen
			} else {
				s.position = songLen
			}
		}
	}
	return []uint64{uint64(uint32(frames * 2))}, nil
}
