package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Analysis defaults
const (
	WindowSize = 1024
	HopSize    = 512
	FFTSize    = 1024

	// Spectrogram decibel range
	MinDecibels = -80.0
	MaxDecibels = 0.0

	// Waveform peaks are taken at this many sub-hops per analysis hop
	WaveformSubdivision = 8
)

// Timing defaults
const (
	PPQ = 960   // Ticks per quarter note
	BPM = 120.0 // Tempo used when no tempo map is supplied
)

// Scheduler cadence
const (
	YieldEvery    = 100 // Frames processed between cooperative yields
	ProgressEvery = 25  // Frames processed between progress reports
	MaxParallel   = 4   // Sources analysed concurrently
)

// Built-in calculator identifiers
const (
	SpectrogramID = "spectrogram"
	RMSID         = "rms"
	WaveformID    = "waveform"
)

// Archive and logging defaults
const (
	ArchiveDir = ".featuretrack"
	LogLevel   = "info"
)

// Config holds runtime configuration, loaded from environment variables.
type Config struct {
	WindowSize          int
	HopSize             int
	FFTSize             int
	MinDecibels         float64
	MaxDecibels         float64
	WaveformSubdivision int

	PPQ int
	BPM float64

	YieldEvery    int
	ProgressEvery int
	MaxParallel   int

	ArchiveDir string
	LogLevel   string
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		WindowSize:          WindowSize,
		HopSize:             HopSize,
		FFTSize:             FFTSize,
		MinDecibels:         MinDecibels,
		MaxDecibels:         MaxDecibels,
		WaveformSubdivision: WaveformSubdivision,
		PPQ:                 PPQ,
		BPM:                 BPM,
		YieldEvery:          YieldEvery,
		ProgressEvery:       ProgressEvery,
		MaxParallel:         MaxParallel,
		ArchiveDir:          ArchiveDir,
		LogLevel:            LogLevel,
	}
}

// Load reads configuration from FEATURETRACK_* environment variables,
// falling back to the compiled-in defaults.
func Load() Config {
	d := Default()
	return Config{
		WindowSize:          envInt("FEATURETRACK_WINDOW_SIZE", d.WindowSize),
		HopSize:             envInt("FEATURETRACK_HOP_SIZE", d.HopSize),
		FFTSize:             envInt("FEATURETRACK_FFT_SIZE", d.FFTSize),
		MinDecibels:         envFloat("FEATURETRACK_MIN_DB", d.MinDecibels),
		MaxDecibels:         envFloat("FEATURETRACK_MAX_DB", d.MaxDecibels),
		WaveformSubdivision: envInt("FEATURETRACK_WAVEFORM_SUBDIVISION", d.WaveformSubdivision),
		PPQ:                 envInt("FEATURETRACK_PPQ", d.PPQ),
		BPM:                 envFloat("FEATURETRACK_BPM", d.BPM),
		YieldEvery:          envInt("FEATURETRACK_YIELD_EVERY", d.YieldEvery),
		ProgressEvery:       envInt("FEATURETRACK_PROGRESS_EVERY", d.ProgressEvery),
		MaxParallel:         envInt("FEATURETRACK_MAX_PARALLEL", d.MaxParallel),
		ArchiveDir:          envStr("FEATURETRACK_ARCHIVE_DIR", d.ArchiveDir),
		LogLevel:            envStr("FEATURETRACK_LOG_LEVEL", d.LogLevel),
	}
}

// Validate checks the analysis parameters for programmer errors.
func (c Config) Validate() error {
	if c.FFTSize <= 0 || c.FFTSize&(c.FFTSize-1) != 0 {
		return fmt.Errorf("fft size must be a power of two, got %d", c.FFTSize)
	}
	if c.WindowSize <= 0 || c.WindowSize > c.FFTSize {
		return fmt.Errorf("window size %d must be in (0, fft size %d]", c.WindowSize, c.FFTSize)
	}
	if c.HopSize <= 0 {
		return fmt.Errorf("hop size must be positive, got %d", c.HopSize)
	}
	if c.MinDecibels >= c.MaxDecibels {
		return fmt.Errorf("decibel floor %.1f must be below ceiling %.1f", c.MinDecibels, c.MaxDecibels)
	}
	if c.WaveformSubdivision <= 0 {
		return fmt.Errorf("waveform subdivision must be positive, got %d", c.WaveformSubdivision)
	}
	if c.PPQ <= 0 {
		return fmt.Errorf("ppq must be positive, got %d", c.PPQ)
	}
	if c.BPM <= 0 {
		return fmt.Errorf("bpm must be positive, got %.2f", c.BPM)
	}
	if c.YieldEvery <= 0 || c.ProgressEvery <= 0 {
		return fmt.Errorf("yield and progress cadence must be positive")
	}
	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive, got %d", c.MaxParallel)
	}
	return nil
}

// Vars exposes the configuration as kong interpolation variables.
func (c Config) Vars() map[string]string {
	return map[string]string{
		"window":      strconv.Itoa(c.WindowSize),
		"hop":         strconv.Itoa(c.HopSize),
		"fft":         strconv.Itoa(c.FFTSize),
		"ppq":         strconv.Itoa(c.PPQ),
		"bpm":         strconv.FormatFloat(c.BPM, 'f', -1, 64),
		"archive":     c.ArchiveDir,
		"loglevel":    c.LogLevel,
		"calculators": strings.Join([]string{SpectrogramID, RMSID, WaveformID}, ","),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
