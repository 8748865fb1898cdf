package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set.
// TEST_LOGS=1 logs at info, 2 at debug and 3 at trace. Any logrus level name works as well.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "1":
		l.SetLevel(logrus.InfoLevel)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
	}

	return l
}

// NewHookedLogger is NewLogger with a hook that records every entry so tests can assert on what was logged.
func NewHookedLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if os.Getenv("TEST_LOGS") == "" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}
