// Package testutil holds helpers shared by memprof tests.
package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a debug logger that writes through t.Log, so output only
// shows for failing or verbose tests.
func Logger(t testing.TB) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.ConsoleWriter{Out: testWriter{t}, NoColor: true}).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
