// Command oplplay plays MIDI files and live keyboard notes through the
// realtime bridge. The middle QWERTY row maps to one octave; keys trigger
// notes on channel 0 while a loaded song keeps playing underneath.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	oplbridge "github.com/tsonoda/oplbridge-go"
)

// QWERTY home row as a chromatic octave starting at middle C.
var keyNotes = map[byte]int{
	'a': 60, 'w': 61, 's': 62, 'e': 63, 'd': 64, 'f': 65,
	't': 66, 'g': 67, 'y': 68, 'h': 69, 'u': 70, 'j': 71, 'k': 72,
}

func main() {
	var (
		modulePath = flag.String("module", "", "path to the engine byte-code module (.wasm)")
		midiPath   = flag.String("midi", "", "optional MIDI file to play")
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		gain       = flag.Float64("gain", 1.0, "output gain")
		emulator   = flag.Int("emulator", 0, "emulator core id")
		loop       = flag.Bool("loop", false, "loop song playback")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *modulePath == "" {
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

	ctx := context.Background()
	node, err := oplbridge.NewNode(
		oplbridge.WithModuleFile(*modulePath),
		oplbridge.WithLogger(logger),
		oplbridge.WithSampleRate(*sampleRate),
		oplbridge.WithGain(*gain),
		oplbridge.WithEmulator(*emulator),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = node.Close(ctx) }()

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := node.WaitReady(readyCtx); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("engine ready (%s)\n", node.ChipName())

	if *midiPath != "" {
		data, err := os.ReadFile(*midiPath)
		if err != nil {
			log.Fatal(err)
		}
		dur, err := node.LoadSong(ctx, data)
		if err != nil {
			log.Fatal(err)
		}
		if err := node.SetLoop(ctx, *loop); err != nil {
			log.Fatal(err)
		}
		if err := node.PlaySong(ctx); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("playing %s (%.1fs)\n", *midiPath, dur)
	}

	if err := runKeyboard(ctx, node); err != nil {
		log.Fatal(err)
	}
}

// runKeyboard reads raw keystrokes and fires notes. Terminals deliver only
// key-down, so each new note releases the previous one; space toggles song
// playback and q quits.
func runKeyboard(ctx context.Context, node *oplbridge.Node) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Println("stdin is not a terminal; waiting for song to finish (ctrl-c to stop)")
		return waitForSong(ctx, node)
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer func() { _ = term.Restore(fd, old) }()

	fmt.Print("keys a..k play notes, space toggles song, q quits\r\n")
	playing := true
	lastNote := 0
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return err
		}
		switch c := buf[0]; {
		case c == 'q' || c == 3: // ctrl-c
			return nil
		case c == ' ':
			playing = !playing
			if playing {
				if err := node.PlaySong(ctx); err != nil {
					return err
				}
			} else if err := node.StopSong(ctx); err != nil {
				return err
			}
		default:
			note, ok := keyNotes[c]
			if !ok {
				continue
			}
			if lastNote != 0 {
				if err := node.NoteOff(ctx, 0, lastNote); err != nil {
					return err
				}
			}
			if err := node.NoteOn(ctx, 0, note, 100); err != nil {
				return err
			}
			lastNote = note
		}
	}
}

func waitForSong(ctx context.Context, node *oplbridge.Node) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		st, err := node.State(ctx)
		if err != nil {
			return err
		}
		if st.AtEnd || !st.FilePlayback {
			return nil
		}
	}
	return nil
}
