package log

import (
	"testing"
)

// TestingLogger returns a Logger that writes to the test log when the test is
// run with the verbose (-v) flag, and a no-op logger otherwise.
//
// The call must be made inside a test (not in an init func) because the
// verbose flag is only set at the time of testing.
func TestingLogger(t testing.TB) Logger {
	if !testing.Verbose() {
		return NewNopLogger()
	}

	logger, err := NewDefaultLoggerWithWriter(testWriter{t}, LogFormatPlain, LogLevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

type testWriter struct{ tb testing.TB }

func (tw testWriter) Write(p []byte) (int, error) {
	tw.tb.Log(string(p))
	return len(p), nil
}
