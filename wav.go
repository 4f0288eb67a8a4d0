package oplbridge

import (
	"encoding/binary"
	"math"
)

// EncodeWAVFloat32LE wraps interleaved float32 samples in a RIFF/WAVE
// container (format tag 3, IEEE float).
func EncodeWAVFloat32LE(samples []float32, sampleRate, channels int) []byte {
	const headerSize = 44
	dataSize := len(samples) * 4
	out := make([]byte, headerSize+dataSize)

	le16 := binary.LittleEndian.PutUint16
	le32 := binary.LittleEndian.PutUint32

	copy(out[0:], "RIFF")
	le32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	le32(out[16:], 16)
	le16(out[20:], 3) // IEEE float
	le16(out[22:], uint16(channels))
	le32(out[24:], uint32(sampleRate))
	le32(out[28:], uint32(sampleRate*channels*4))
	le16(out[32:], uint16(channels*4))
	le16(out[34:], 32)
	copy(out[36:], "data")
	le32(out[40:], uint32(dataSize))
	for i, s := range samples {
		le32(out[headerSize+i*4:], math.Float32bits(s))
	}
	return out
}
