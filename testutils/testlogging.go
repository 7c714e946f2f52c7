package testutils

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// NewTestLogger creates a zerolog.Logger that writes to testing.T's log, so
// log output appears interleaved with test failures.
func NewTestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: testWriter{t}, TimeFormat: time.RFC3339, NoColor: true}).With().Timestamp().Logger()
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (n int, err error) {
	tw.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
