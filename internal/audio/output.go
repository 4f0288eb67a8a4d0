// Package audio owns the output device. It wraps oto/v3 behind a small
// Output type; the device context is process-global, so it is created once
// and every Output must agree on the sample rate.
package audio

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
)

var (
	ctxOnce sync.Once
	ctx     *oto.Context
	ctxErr  error
	ctxRate int
)

func sharedContext(sampleRate int) (*oto.Context, error) {
	ctxOnce.Do(func() {
		ctxRate = sampleRate
		c, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
		})
		if err != nil {
			ctxErr = err
			return
		}
		<-ready
		ctx = c
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if ctxRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", ctxRate, sampleRate)
	}
	return ctx, nil
}

// Output streams interleaved float32 LE stereo from src to the device. The
// device pulls; src.Read runs on the audio thread.
type Output struct {
	player *oto.Player
}

func NewOutput(sampleRate int, src io.Reader) (*Output, error) {
	c, err := sharedContext(sampleRate)
	if err != nil {
		return nil, err
	}
	return &Output{player: c.NewPlayer(src)}, nil
}

func (o *Output) Play()  { o.player.Play() }
func (o *Output) Pause() { o.player.Pause() }

func (o *Output) IsPlaying() bool { return o.player.IsPlaying() }

// Close stops pulling from the source and releases the player. The shared
// device context stays up for other outputs.
func (o *Output) Close() error {
	o.player.Pause()
	return o.player.Close()
}
