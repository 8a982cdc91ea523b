// Package config holds the Context Manager's tunables, populated from a
// flag set or environment in the manner of a service's package-level
// configuration keys.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Keys holds the process-wide configuration, starting from the defaults
// below; Init overlays environment values onto it.
var Keys = ProgramConfig{
	CacheSize:         1024,
	RingSize:          4,
	BuilderRingSize:   16, // fixed per spec §9; not tuneable, documented here only
	ReaperInterval:    "1s",
	AggTrust:          false,
	ThreadMigrationMs: 2000,
}

// ProgramConfig mirrors the shape of a service's top-level settings struct.
type ProgramConfig struct {
	// CacheSize is the number of aggregate-cache buckets; must be a power of two.
	CacheSize int
	// RingSize is the number of entries per bucket; must be a power of two.
	RingSize int
	// BuilderRingSize is read-only: fixed to 16 by spec §9's design notes.
	BuilderRingSize int
	// ReaperInterval is a duration string read from the environment; no
	// package consumes it, and ctxmanager's reaper job starts at a fixed 30s.
	ReaperInterval string
	// AggTrust enables the aggregate cache's "AGGTRUST" mode, which
	// treats aggregate equality as sufficient and skips reverse-match.
	// Kept off by default per spec §9.
	AggTrust bool
	// ThreadMigrationMs is a post-copy migration window in milliseconds. No
	// package consumes it; rewriter tables use DefaultThreadMigrationTimeout
	// (10s) unless SetMigrationTimeout is called.
	ThreadMigrationMs int
}

// Init overlays environment variables onto Keys, Fatal-ing on malformed values
// the way a service's startup configuration loader would.
func Init() {
	if v := os.Getenv("FLOWCORE_CACHE_SIZE"); v != "" {
		Keys.CacheSize = mustPow2(v, "FLOWCORE_CACHE_SIZE")
	}
	if v := os.Getenv("FLOWCORE_RING_SIZE"); v != "" {
		Keys.RingSize = mustPow2(v, "FLOWCORE_RING_SIZE")
	}
	if v := os.Getenv("FLOWCORE_REAPER_INTERVAL"); v != "" {
		Keys.ReaperInterval = v
	}
	if v := os.Getenv("FLOWCORE_AGGTRUST"); v == "1" || v == "true" {
		Keys.AggTrust = true
	}
}

func mustPow2(s, name string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n&(n-1) != 0 {
		panic(fmt.Sprintf("%s must be a positive power of two, got %q", name, s))
	}
	return n
}
