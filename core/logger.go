package core

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// NewLogger returns a new pre-configured logger writing to out, stderr when out is nil.
func NewLogger(level uint32, out io.Writer) *log.Logger {
	logger := log.New()

	if out != nil {
		logger.SetOutput(out)
	}

	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	logger.SetLevel(log.Level(level))

	return logger
}
