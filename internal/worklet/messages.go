// Package worklet is the isolated realtime rendering side of the bridge. A
// Processor owns its own engine module (nothing is shared with any Synth),
// consumes commands from an inbound message channel between render blocks,
// and produces one fixed-size audio block per callback.
package worklet

import "github.com/tsonoda/oplbridge-go/opl"

// Kind discriminates the message vocabulary. The set is closed: the facade's
// pending-reply table and the processor's dispatch switch both key on it.
type Kind uint8

const (
	KindPing Kind = iota
	KindPong
	KindReady
	KindError
	KindNoteOn
	KindNoteOff
	KindPitchBend
	KindControllerChange
	KindProgramChange
	KindConfigUpdate
	KindConfigApplied
	KindLoadBank
	KindBankLoaded
	KindGetInstrument
	KindInstrumentData
	KindSetInstrument
	KindInstrumentStored
	KindLoadSong
	KindSongLoaded
	KindPlaySong
	KindStopSong
	KindSeek
	KindSetLoop
	KindSetTempo
	KindQueryState
	KindStateReport
	KindPanic
)

// Message is one channel payload. Implementations are the closed set of
// structs below.
type Message interface {
	Kind() Kind
}

// Reply is a message answering an earlier request. ReplySeq echoes the
// request's correlation id so the facade can discard stale replies.
type Reply interface {
	Message
	ReplySeq() uint32
}

// Requests.

// Ping checks liveness of the rendering context.
type Ping struct{ Seq uint32 }

// NoteOn, NoteOff, PitchBend, ControllerChange and ProgramChange are
// fire-and-forget realtime events; they produce no reply.
type NoteOn struct{ Channel, Note, Velocity int }
type NoteOff struct{ Channel, Note int }

// PanicAll releases every sounding note; fire-and-forget.
type PanicAll struct{}
type PitchBend struct{ Channel, Value int }
type ControllerChange struct{ Channel, Controller, Value int }
type ProgramChange struct{ Channel, Program int }

// ConfigUpdate applies new settings immediately and is acknowledged with
// ConfigApplied.
type ConfigUpdate struct {
	Seq      uint32
	Gain     float64
	Emulator int
}

// LoadBank replaces the active bank set from a bank image.
type LoadBank struct {
	Seq  uint32
	Data []byte
}

// GetInstrument reads one program; answered with InstrumentData.
type GetInstrument struct {
	Seq     uint32
	Bank    opl.BankID
	Program int
}

// SetInstrument writes one program; answered with InstrumentStored.
type SetInstrument struct {
	Seq        uint32
	Bank       opl.BankID
	Program    int
	Instrument opl.Instrument
}

// LoadSong hands a MIDI image to the engine; answered with SongLoaded.
type LoadSong struct {
	Seq  uint32
	Data []byte
}

// PlaySong, StopSong, Seek, SetLoop and SetTempo control file playback and
// are fire-and-forget.
type PlaySong struct{}
type StopSong struct{}
type Seek struct{ Seconds float64 }
type SetLoop struct{ Enabled bool }
type SetTempo struct{ Multiplier float64 }

// QueryState asks for playback state; answered with StateReport.
type QueryState struct{ Seq uint32 }

// Replies.

type Pong struct{ Seq uint32 }

// Ready signals that the rendering context finished initializing.
type Ready struct {
	SampleRate int
	ChipName   string
}

// ErrorReport carries failures that cannot propagate as a return value out
// of the rendering context.
type ErrorReport struct {
	Context string
	Err     string
}

// ConfigApplied acknowledges a ConfigUpdate with the settings actually in
// effect. After a failed emulator switch, Emulator and ChipName report the
// unchanged prior core and Applied is false.
type ConfigApplied struct {
	Seq      uint32
	Applied  bool
	Gain     float64
	Emulator int
	ChipName string
}

type BankLoaded struct {
	Seq uint32
	OK  bool
}

type InstrumentData struct {
	Seq        uint32
	OK         bool
	Instrument opl.Instrument
}

type InstrumentStored struct {
	Seq uint32
	OK  bool
}

type SongLoaded struct {
	Seq             uint32
	OK              bool
	DurationSeconds float64
}

type StateReport struct {
	Seq             uint32
	PositionSeconds float64
	DurationSeconds float64
	AtEnd           bool
	FilePlayback    bool
}

func (Ping) Kind() Kind             { return KindPing }
func (Pong) Kind() Kind             { return KindPong }
func (Ready) Kind() Kind            { return KindReady }
func (ErrorReport) Kind() Kind      { return KindError }
func (NoteOn) Kind() Kind           { return KindNoteOn }
func (NoteOff) Kind() Kind          { return KindNoteOff }
func (PanicAll) Kind() Kind         { return KindPanic }
func (PitchBend) Kind() Kind        { return KindPitchBend }
func (ControllerChange) Kind() Kind { return KindControllerChange }
func (ProgramChange) Kind() Kind    { return KindProgramChange }
func (ConfigUpdate) Kind() Kind     { return KindConfigUpdate }
func (ConfigApplied) Kind() Kind    { return KindConfigApplied }
func (LoadBank) Kind() Kind         { return KindLoadBank }
func (BankLoaded) Kind() Kind       { return KindBankLoaded }
func (GetInstrument) Kind() Kind    { return KindGetInstrument }
func (InstrumentData) Kind() Kind   { return KindInstrumentData }
func (SetInstrument) Kind() Kind    { return KindSetInstrument }
func (InstrumentStored) Kind() Kind { return KindInstrumentStored }
func (LoadSong) Kind() Kind         { return KindLoadSong }
func (SongLoaded) Kind() Kind       { return KindSongLoaded }
func (PlaySong) Kind() Kind         { return KindPlaySong }
func (StopSong) Kind() Kind         { return KindStopSong }
func (Seek) Kind() Kind             { return KindSeek }
func (SetLoop) Kind() Kind          { return KindSetLoop }
func (SetTempo) Kind() Kind         { return KindSetTempo }
func (QueryState) Kind() Kind       { return KindQueryState }
func (StateReport) Kind() Kind      { return KindStateReport }

func (m Pong) ReplySeq() uint32             { return m.Seq }
func (m ConfigApplied) ReplySeq() uint32    { return m.Seq }
func (m BankLoaded) ReplySeq() uint32       { return m.Seq }
func (m InstrumentData) ReplySeq() uint32   { return m.Seq }
func (m InstrumentStored) ReplySeq() uint32 { return m.Seq }
func (m SongLoaded) ReplySeq() uint32       { return m.Seq }
func (m StateReport) ReplySeq() uint32      { return m.Seq }
