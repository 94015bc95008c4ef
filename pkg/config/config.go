// Package config loads server settings from the environment, with an
// optional .env file for local runs. Flags defined by the binary default
// to these values and override them when set, so `VELOTRACE_PORT=9000` in
// .env and `-port 9001` on the command line both work, with the flag
// winning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the playback server needs at boot.
type Config struct {
	Source       string
	Port         int
	Domain       string
	MetricsAddr  string
	NATSURL      string
	NATSSubject  string
	TickInterval time.Duration
	RowCap       int
	SpillDir     string
	Speed        float64
}

// Load reads .env (ignored if missing) and the VELOTRACE_* variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Source:      os.Getenv("VELOTRACE_SOURCE"),
		Domain:      os.Getenv("VELOTRACE_DOMAIN"),
		MetricsAddr: os.Getenv("VELOTRACE_METRICS_ADDR"),
		NATSURL:     os.Getenv("VELOTRACE_NATS_URL"),
		NATSSubject: getenvDefault("VELOTRACE_NATS_SUBJECT", "velotrace.frames"),
		SpillDir:    os.Getenv("VELOTRACE_SPILL_DIR"),
	}

	port, err := intVar("VELOTRACE_PORT", 8765)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	tickMs, err := intVar("VELOTRACE_TICK_MS", 100)
	if err != nil {
		return nil, err
	}
	if tickMs <= 0 {
		return nil, fmt.Errorf("config: VELOTRACE_TICK_MS must be positive, got %d", tickMs)
	}
	cfg.TickInterval = time.Duration(tickMs) * time.Millisecond

	rowCap, err := intVar("VELOTRACE_ROW_CAP", 50_000)
	if err != nil {
		return nil, err
	}
	cfg.RowCap = rowCap

	if v := os.Getenv("VELOTRACE_SPEED"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("config: invalid VELOTRACE_SPEED: %q", v)
		}
		cfg.Speed = f
	} else {
		cfg.Speed = 1
	}

	return cfg, nil
}

func intVar(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
