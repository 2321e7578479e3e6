package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a JSON logrus logger tagged with the service name.
func NewLogger(level string, serviceName string) *logrus.Entry {
	return newLogger(os.Stdout, level, serviceName)
}

func newLogger(out io.Writer, level string, serviceName string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)
	log.SetLevel(parseLevel(level))
	return log.WithField("service", serviceName)
}

// Discard is used by tests and by components constructed without a logger.
func Discard() *logrus.Entry {
	return newLogger(io.Discard, "error", "discard")
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
