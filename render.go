package oplbridge

import "context"

// RenderMIDI renders a MIDI image offline through a dedicated Synth and
// returns interleaved stereo float32 samples. Rendering stops at the end of
// the song or after maxSeconds, whichever comes first.
func RenderMIDI(ctx context.Context, midi []byte, sampleRate int, maxSeconds float64, opts ...Option) ([]float32, error) {
	s, err := New(opts...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close(ctx) }()
	if err := s.Init(ctx, sampleRate); err != nil {
		return nil, err
	}
	if err := s.LoadMIDI(ctx, midi); err != nil {
		return nil, err
	}

	maxFrames := int(float64(sampleRate) * maxSeconds)
	out := make([]float32, 0, maxFrames*2)
	for len(out) < maxFrames*2 {
		chunk := maxBatchFrames
		if rem := maxFrames - len(out)/2; chunk > rem {
			chunk = rem
		}
		buf, err := s.Play(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		end, err := s.AtEnd(ctx)
		if err != nil {
			return nil, err
		}
		if end || len(buf) == 0 {
			break
		}
	}
	return out, nil
}
