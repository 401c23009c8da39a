// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how the base logger is constructed.
type Options struct {
	// Debug enables debug-level logging.
	Debug bool
	// LogFile, when non-empty, also writes logs to a rotated file.
	LogFile string
}

// Setup configures the package-level logrus logger with a text formatter
// and, optionally, a rotating file sink alongside stderr.
func Setup(opts Options) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := log.InfoLevel
	if opts.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	var writers []io.Writer
	writers = append(writers, os.Stderr)
	if opts.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	log.SetOutput(io.MultiWriter(writers...))
}
