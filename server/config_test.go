package server

import (
	"errors"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Addr != ":4450" {
		t.Fatalf("unexpected default addr %q", cfg.Addr)
	}
	if e := cfg.ExpectedPerSample(); e != 62.5 {
		t.Fatalf("expected 62.5 packets per sample, got %v", e)
	}
}

func TestValidateRejectsNonPositivePeriods(t *testing.T) {
	cases := map[string]func(*Config){
		"broadcast":   func(c *Config) { c.BroadcastPeriod = 0 },
		"sample":      func(c *Config) { c.SamplePeriod = -1 },
		"client-send": func(c *Config) { c.ClientSendPeriod = 0 },
		"window":      func(c *Config) { c.Detector.Threshold = 0 },
		"world":       func(c *Config) { c.World.Extent = 10 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}
