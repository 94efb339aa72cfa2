package config

import (
	"os"
	"strings"
)

// DefaultAllocationStrategyName selects the lot allocation strategy used when an
// order line does not pin a lot.
//
// Set via env:
// - ALLOCATION_STRATEGY=fifo|lifo (default fifo)
func DefaultAllocationStrategyName() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ALLOCATION_STRATEGY")))
	if v == "" {
		return "fifo"
	}
	return v
}

// EnvBoolDefault reads a boolean env var with a default.
func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	return val == "1" || val == "true" || val == "yes" || val == "y"
}
