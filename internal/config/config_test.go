package config

import (
	"os"
	"strings"
	"testing"
)

var envVars = []string{
	"FEATURETRACK_WINDOW_SIZE", "FEATURETRACK_HOP_SIZE", "FEATURETRACK_FFT_SIZE",
	"FEATURETRACK_MIN_DB", "FEATURETRACK_MAX_DB", "FEATURETRACK_WAVEFORM_SUBDIVISION",
	"FEATURETRACK_PPQ", "FEATURETRACK_BPM", "FEATURETRACK_YIELD_EVERY",
	"FEATURETRACK_PROGRESS_EVERY", "FEATURETRACK_MAX_PARALLEL",
	"FEATURETRACK_ARCHIVE_DIR", "FEATURETRACK_LOG_LEVEL",
}

// TestLoadDefaults verifies that an empty environment yields the compiled-in
// defaults, catching typos in env keys that would silently shadow defaults.
func TestLoadDefaults(t *testing.T) {
	for _, k := range envVars {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg != Default() {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, Default())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEATURETRACK_WINDOW_SIZE", "2048")
	t.Setenv("FEATURETRACK_HOP_SIZE", "256")
	t.Setenv("FEATURETRACK_FFT_SIZE", "4096")
	t.Setenv("FEATURETRACK_MIN_DB", "-96")
	t.Setenv("FEATURETRACK_PPQ", "480")
	t.Setenv("FEATURETRACK_BPM", "98.5")
	t.Setenv("FEATURETRACK_ARCHIVE_DIR", "/tmp/ft")
	t.Setenv("FEATURETRACK_LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.WindowSize != 2048 {
		t.Errorf("WindowSize = %d, want 2048", cfg.WindowSize)
	}
	if cfg.HopSize != 256 {
		t.Errorf("HopSize = %d, want 256", cfg.HopSize)
	}
	if cfg.FFTSize != 4096 {
		t.Errorf("FFTSize = %d, want 4096", cfg.FFTSize)
	}
	if cfg.MinDecibels != -96 {
		t.Errorf("MinDecibels = %f, want -96", cfg.MinDecibels)
	}
	if cfg.PPQ != 480 {
		t.Errorf("PPQ = %d, want 480", cfg.PPQ)
	}
	if cfg.BPM != 98.5 {
		t.Errorf("BPM = %f, want 98.5", cfg.BPM)
	}
	if cfg.ArchiveDir != "/tmp/ft" {
		t.Errorf("ArchiveDir = %q, want /tmp/ft", cfg.ArchiveDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

// TestLoadInvalidValuesFallBack verifies that unparsable numbers keep the default.
func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FEATURETRACK_HOP_SIZE", "lots")
	t.Setenv("FEATURETRACK_BPM", "fast")

	cfg := Load()

	if cfg.HopSize != HopSize {
		t.Errorf("HopSize = %d, want default %d", cfg.HopSize, HopSize)
	}
	if cfg.BPM != BPM {
		t.Errorf("BPM = %f, want default %f", cfg.BPM, BPM)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "non power of two fft", mutate: func(c *Config) { c.FFTSize = 1000 }, wantErr: "power of two"},
		{name: "window larger than fft", mutate: func(c *Config) { c.WindowSize = 2048 }, wantErr: "window size"},
		{name: "zero hop", mutate: func(c *Config) { c.HopSize = 0 }, wantErr: "hop size"},
		{name: "inverted decibels", mutate: func(c *Config) { c.MinDecibels = 0 }, wantErr: "decibel"},
		{name: "zero ppq", mutate: func(c *Config) { c.PPQ = 0 }, wantErr: "ppq"},
		{name: "negative bpm", mutate: func(c *Config) { c.BPM = -1 }, wantErr: "bpm"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestVars(t *testing.T) {
	vars := Default().Vars()
	if vars["window"] != "1024" || vars["hop"] != "512" {
		t.Errorf("unexpected vars: %v", vars)
	}
	if vars["calculators"] != "spectrogram,rms,waveform" {
		t.Errorf("calculators var = %q", vars["calculators"])
	}
}
