// Command oplrender renders a MIDI file to a WAV file through the engine's
// offline path.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	oplbridge "github.com/tsonoda/oplbridge-go"
)

func main() {
	var (
		modulePath = flag.String("module", "", "path to the engine byte-code module (.wasm)")
		midiPath   = flag.String("midi", "", "path to the MIDI file to render")
		outPath    = flag.String("out", "out.wav", "output WAV path")
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		maxSeconds = flag.Float64("max-seconds", 600, "cap on rendered length")
		emulator   = flag.Int("emulator", 0, "emulator core id")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *modulePath == "" || *midiPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	midi, err := os.ReadFile(*midiPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	opts := []oplbridge.Option{
		oplbridge.WithModuleFile(*modulePath),
		oplbridge.WithLogger(logger),
		oplbridge.WithEmulator(*emulator),
	}
	samples, err := oplbridge.RenderMIDI(ctx, midi, *sampleRate, *maxSeconds, opts...)
	if err != nil {
		log.Fatal(err)
	}
	wav := oplbridge.EncodeWAVFloat32LE(samples, *sampleRate, 2)
	if err := os.WriteFile(*outPath, wav, 0o644); err != nil {
		log.Fatal(err)
	}
	logger.Info("rendered",
		zap.String("out", *outPath),
		zap.Int("frames", len(samples)/2),
		zap.Float64("seconds", float64(len(samples)/2)/float64(*sampleRate)))
}
