package oplbridge

import (
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/tsonoda/oplbridge-go/internal/engine"
)

// Option configures a Synth or a Node.
type Option func(*config)

type config struct {
	modulePath  string
	moduleBytes []byte
	logger      *zap.Logger
	sampleRate  int
	gain        float64
	emulator    int
	headless    bool
	loader      engine.Loader
}

func defaultConfig() config {
	return config{
		logger:     zap.NewNop(),
		sampleRate: 48000,
		gain:       1,
		loader:     engine.LoadBytes,
	}
}

// WithModuleFile points at the engine's byte-code module on disk.
func WithModuleFile(path string) Option {
	return func(cfg *config) { cfg.modulePath = path }
}

// WithModuleBytes supplies the engine's byte-code module directly. Takes
// precedence over WithModuleFile.
func WithModuleBytes(image []byte) Option {
	return func(cfg *config) { cfg.moduleBytes = image }
}

// WithLogger installs a structured logger. Logging is off by default.
func WithLogger(log *zap.Logger) Option {
	return func(cfg *config) {
		if log != nil {
			cfg.logger = log
		}
	}
}

// WithSampleRate sets the Node's output sample rate. Default 48000.
func WithSampleRate(rate int) Option {
	return func(cfg *config) { cfg.sampleRate = rate }
}

// WithGain sets the Node's initial output gain. Default 1.0.
func WithGain(gain float64) Option {
	return func(cfg *config) { cfg.gain = gain }
}

// WithEmulator selects the emulator core applied when the engine comes up.
// On a Synth an unavailable core fails Init; on a Node it falls back to the
// default core and reports the failure.
func WithEmulator(id int) Option {
	return func(cfg *config) { cfg.emulator = id }
}

// WithHeadless runs a Node without an audio device: an internal scheduler
// drives the render callback at block cadence instead. Useful on servers
// and in tests.
func WithHeadless() Option {
	return func(cfg *config) { cfg.headless = true }
}

// withLoader swaps the module loader. Test seam.
func withLoader(l engine.Loader) Option {
	return func(cfg *config) { cfg.loader = l }
}

// moduleImage resolves the configured module location to bytes.
func (cfg *config) moduleImage() ([]byte, error) {
	if len(cfg.moduleBytes) > 0 {
		return cfg.moduleBytes, nil
	}
	if cfg.modulePath == "" {
		return nil, errors.New("oplbridge: no engine module configured (use WithModuleFile or WithModuleBytes)")
	}
	return os.ReadFile(cfg.modulePath)
}
