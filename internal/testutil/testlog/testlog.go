// Package testlog routes relay logs through the test logger profile.
package testlog

import (
	"testing"

	"github.com/danmuck/stationrelay/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once per binary and brackets t with start
// and finish lines so interleaved goroutine logs can be attributed.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
	t.Cleanup(func() {
		log.Info().Str("test", t.Name()).Bool("failed", t.Failed()).Msg("finish")
	})
}
