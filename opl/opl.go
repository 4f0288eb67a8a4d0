// Package opl holds the wire-level value types shared with the native FM
// engine: operators, instruments and bank identifiers, plus the codec that
// packs them into the engine's in-memory struct layout.
//
// The layout is a fixed ABI contract. An encoded Instrument is always exactly
// 40 bytes, its four operators occupy bytes [14,34) and the delay fields start
// at byte 34. Multi-byte integers are little-endian. Encoding masks every
// field to its bit width and decoding applies the same masks, so the codec
// never fails and round-trips are exact for in-range values.
package opl

import "encoding/binary"

// Encoded sizes, in bytes.
const (
	OperatorSize   = 5
	InstrumentSize = 40
	BankIDSize     = 4
)

// Instrument field offsets. The operator block and the delay offsets are part
// of the engine ABI and must not move.
const (
	offVersion        = 0  // uint32
	offNoteOffset1    = 4  // int16
	offNoteOffset2    = 6  // int16
	offVelocityOffset = 8  // int8
	offDetune         = 9  // int8
	offPercussionKey  = 10 // uint8
	offFlags          = 11 // uint8
	offFbConn1        = 12 // uint8
	offFbConn2        = 13 // uint8
	offOperators      = 14 // 4 x 5 bytes
	offDelayOn        = 34 // uint16
	offDelayOff       = 36 // uint16
	// bytes 38..39 are reserved padding
)

// Instrument flag bits.
const (
	flag4Op       = 0x01
	flagPseudo4Op = 0x02
	flagBlank     = 0x04
	rhythmShift   = 3
	rhythmMask    = 0x07
)

// Version is the instrument layout revision written by EncodeInstrument for
// instruments built from DefaultInstrument.
const Version = 2

// Operator is one of the four modulation/carrier units of an instrument
// voice. Numeric fields are stored masked to their register widths: FreqMult
// 4 bits, KeyScaleLevel 2, TotalLevel 6 (0 loudest, 63 silent), Attack/Decay/
// SustainLevel/Release 4 each (sustain 0 loudest), Waveform 3.
type Operator struct {
	AM            bool
	Vibrato       bool
	Sustaining    bool
	KSR           bool
	FreqMult      uint8
	KeyScaleLevel uint8
	TotalLevel    uint8
	Attack        uint8
	Decay         uint8
	SustainLevel  uint8
	Release       uint8
	Waveform      uint8
}

// Instrument is one MIDI-program voice definition.
type Instrument struct {
	Version           uint32
	NoteOffset1       int16
	NoteOffset2       int16
	VelocityOffset    int8
	SecondVoiceDetune int8
	PercussionKey     uint8
	FourOp            bool
	Pseudo4Op         bool
	Blank             bool
	RhythmMode        uint8 // 3 bits
	Feedback1         uint8 // 3 bits
	Connection1       bool
	Feedback2         uint8 // 3 bits
	Connection2       bool
	Operators         [4]Operator
	DelayOnMs         uint16
	DelayOffMs        uint16
}

// BankID addresses one bank slot: melodic or percussive, plus the two 7-bit
// MIDI bank-select bytes. Three significant bytes, four allocated.
type BankID struct {
	Percussive bool
	MSB        uint8
	LSB        uint8
}

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// PutOperator packs op into dst[0:5].
func PutOperator(dst []byte, op Operator) {
	_ = dst[OperatorSize-1]
	dst[0] = b2u(op.AM)<<7 | b2u(op.Vibrato)<<6 | b2u(op.Sustaining)<<5 |
		b2u(op.KSR)<<4 | op.FreqMult&0x0F
	dst[1] = op.KeyScaleLevel&0x03<<6 | op.TotalLevel&0x3F
	dst[2] = op.Attack&0x0F<<4 | op.Decay&0x0F
	dst[3] = op.SustainLevel&0x0F<<4 | op.Release&0x0F
	dst[4] = op.Waveform & 0x07
}

// GetOperator unpacks an Operator from src[0:5].
func GetOperator(src []byte) Operator {
	_ = src[OperatorSize-1]
	return Operator{
		AM:            src[0]&0x80 != 0,
		Vibrato:       src[0]&0x40 != 0,
		Sustaining:    src[0]&0x20 != 0,
		KSR:           src[0]&0x10 != 0,
		FreqMult:      src[0] & 0x0F,
		KeyScaleLevel: src[1] >> 6 & 0x03,
		TotalLevel:    src[1] & 0x3F,
		Attack:        src[2] >> 4 & 0x0F,
		Decay:         src[2] & 0x0F,
		SustainLevel:  src[3] >> 4 & 0x0F,
		Release:       src[3] & 0x0F,
		Waveform:      src[4] & 0x07,
	}
}

// EncodeOperator packs op into a fresh 5-byte buffer.
func EncodeOperator(op Operator) []byte {
	b := make([]byte, OperatorSize)
	PutOperator(b, op)
	return b
}

// DecodeOperator unpacks the first 5 bytes of b.
func DecodeOperator(b []byte) Operator {
	return GetOperator(b)
}

// PutInstrument packs ins into dst[0:40].
func PutInstrument(dst []byte, ins Instrument) {
	_ = dst[InstrumentSize-1]
	binary.LittleEndian.PutUint32(dst[offVersion:], ins.Version)
	binary.LittleEndian.PutUint16(dst[offNoteOffset1:], uint16(ins.NoteOffset1))
	binary.LittleEndian.PutUint16(dst[offNoteOffset2:], uint16(ins.NoteOffset2))
	dst[offVelocityOffset] = uint8(ins.VelocityOffset)
	dst[offDetune] = uint8(ins.SecondVoiceDetune)
	dst[offPercussionKey] = ins.PercussionKey
	flags := b2u(ins.FourOp)*flag4Op | b2u(ins.Pseudo4Op)*flagPseudo4Op | b2u(ins.Blank)*flagBlank
	flags |= ins.RhythmMode & rhythmMask << rhythmShift
	dst[offFlags] = flags
	dst[offFbConn1] = ins.Feedback1&0x07<<1 | b2u(ins.Connection1)
	dst[offFbConn2] = ins.Feedback2&0x07<<1 | b2u(ins.Connection2)
	for i := range ins.Operators {
		PutOperator(dst[offOperators+i*OperatorSize:], ins.Operators[i])
	}
	binary.LittleEndian.PutUint16(dst[offDelayOn:], ins.DelayOnMs)
	binary.LittleEndian.PutUint16(dst[offDelayOff:], ins.DelayOffMs)
	dst[offDelayOff+2] = 0
	dst[offDelayOff+3] = 0
}

// GetInstrument unpacks an Instrument from src[0:40].
func GetInstrument(src []byte) Instrument {
	_ = src[InstrumentSize-1]
	ins := Instrument{
		Version:           binary.LittleEndian.Uint32(src[offVersion:]),
		NoteOffset1:       int16(binary.LittleEndian.Uint16(src[offNoteOffset1:])),
		NoteOffset2:       int16(binary.LittleEndian.Uint16(src[offNoteOffset2:])),
		VelocityOffset:    int8(src[offVelocityOffset]),
		SecondVoiceDetune: int8(src[offDetune]),
		PercussionKey:     src[offPercussionKey],
		FourOp:            src[offFlags]&flag4Op != 0,
		Pseudo4Op:         src[offFlags]&flagPseudo4Op != 0,
		Blank:             src[offFlags]&flagBlank != 0,
		RhythmMode:        src[offFlags] >> rhythmShift & rhythmMask,
		Feedback1:         src[offFbConn1] >> 1 & 0x07,
		Connection1:       src[offFbConn1]&0x01 != 0,
		Feedback2:         src[offFbConn2] >> 1 & 0x07,
		Connection2:       src[offFbConn2]&0x01 != 0,
		DelayOnMs:         binary.LittleEndian.Uint16(src[offDelayOn:]),
		DelayOffMs:        binary.LittleEndian.Uint16(src[offDelayOff:]),
	}
	for i := range ins.Operators {
		ins.Operators[i] = GetOperator(src[offOperators+i*OperatorSize:])
	}
	return ins
}

// EncodeInstrument packs ins into a fresh 40-byte buffer.
func EncodeInstrument(ins Instrument) []byte {
	b := make([]byte, InstrumentSize)
	PutInstrument(b, ins)
	return b
}

// DecodeInstrument unpacks the first 40 bytes of b.
func DecodeInstrument(b []byte) Instrument {
	return GetInstrument(b)
}

// PutBankID packs id into dst[0:4]. The fourth byte is alignment padding.
func PutBankID(dst []byte, id BankID) {
	_ = dst[BankIDSize-1]
	dst[0] = b2u(id.Percussive)
	dst[1] = id.LSB & 0x7F
	dst[2] = id.MSB & 0x7F
	dst[3] = 0
}

// GetBankID unpacks a BankID from src[0:4].
func GetBankID(src []byte) BankID {
	_ = src[BankIDSize-1]
	return BankID{
		Percussive: src[0] != 0,
		LSB:        src[1] & 0x7F,
		MSB:        src[2] & 0x7F,
	}
}

// EncodeBankID packs id into a fresh 4-byte buffer.
func EncodeBankID(id BankID) []byte {
	b := make([]byte, BankIDSize)
	PutBankID(b, id)
	return b
}

// DecodeBankID unpacks the first 4 bytes of b.
func DecodeBankID(b []byte) BankID {
	return GetBankID(b)
}

// DefaultInstrument returns the canonical blank voice: every operator fully
// attenuated, blank flag set, delays zero. Edits start from this template.
func DefaultInstrument() Instrument {
	ins := Instrument{Version: Version, Blank: true}
	for i := range ins.Operators {
		ins.Operators[i] = Operator{TotalLevel: 63}
	}
	return ins
}
