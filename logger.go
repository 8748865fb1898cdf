package e1000

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/config"
)

var logFormats = []string{"text", "json"}

// logSettings is the logging section, checked before anything is applied so a bad reload leaves the logger as it was.
type logSettings struct {
	level            logrus.Level
	format           string
	disableTimestamp bool
	// timestampFormat is empty unless configured, text output on a terminal then shows elapsed seconds.
	timestampFormat  string
}

func logSettingsFromConfig(c *config.C) (logSettings, error) {
	var s logSettings

	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return s, fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	s.level = level

	s.format = strings.ToLower(c.GetString("logging.format", "text"))
	switch s.format {
	case "text", "json":
	default:
		return s, fmt.Errorf("unknown log format `%s`. possible formats: %s", s.format, logFormats)
	}

	s.disableTimestamp = c.GetBool("logging.disable_timestamp", false)
	s.timestampFormat = c.GetString("logging.timestamp_format", "")
	return s, nil
}

func (s logSettings) formatter() logrus.Formatter {
	tsFormat := s.timestampFormat
	if tsFormat == "" {
		tsFormat = time.RFC3339
	}

	if s.format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: s.disableTimestamp,
		}
	}
	return &logrus.TextFormatter{
		TimestampFormat:  tsFormat,
		FullTimestamp:    s.timestampFormat != "",
		DisableTimestamp: s.disableTimestamp,
	}
}

// configLogger applies the logging section to l. A level change is announced while the more verbose of the old and
// new level is in effect.
func configLogger(l *logrus.Logger, c *config.C) error {
	s, err := logSettingsFromConfig(c)
	if err != nil {
		return err
	}

	old := l.GetLevel()
	l.Formatter = s.formatter()
	l.SetLevel(max(old, s.level))
	if old != s.level {
		l.WithField("from", old).WithField("to", s.level).Info("Log level changed")
	}
	l.SetLevel(s.level)

	return nil
}
