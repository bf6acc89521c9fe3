package api

import (
	"github.com/rs/zerolog"
)

// toggleDebugLevel flips the zerolog global level between Info and Debug and returns whether
// debug logging is now on. zerolog consults the global level on every event, so the change
// takes effect immediately across all component loggers.
func toggleDebugLevel() bool {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return false
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	return true
}
