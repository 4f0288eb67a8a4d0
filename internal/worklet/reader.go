package worklet

import (
	"encoding/binary"
	"math"
)

// BlockReader adapts the processor's block callback to the audio backend's
// pull model: each Read is satisfied from whole 128-frame blocks rendered on
// demand and re-encoded as interleaved float32 little-endian stereo. Read
// never returns short or EOF; silence before Ready keeps the stream alive.
type BlockReader struct {
	proc  *Processor
	left  [BlockFrames]float32
	right [BlockFrames]float32
	buf   [BlockFrames * 8]byte
	carry []byte
}

func NewBlockReader(proc *Processor) *BlockReader {
	return &BlockReader{proc: proc}
}

func (r *BlockReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(r.carry) == 0 {
			r.proc.ProcessBlock(r.left[:], r.right[:])
			for i := 0; i < BlockFrames; i++ {
				binary.LittleEndian.PutUint32(r.buf[i*8:], math.Float32bits(r.left[i]))
				binary.LittleEndian.PutUint32(r.buf[i*8+4:], math.Float32bits(r.right[i]))
			}
			r.carry = r.buf[:]
		}
		c := copy(p[n:], r.carry)
		r.carry = r.carry[c:]
		n += c
	}
	return n, nil
}
