package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/kvesta/vigil/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var std = logrus.New()

// Init configures the process logger. Logs go to stderr and, when a file is
// configured, to a rotated log file as well.
func Init(cfg config.LogSettings) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
		std.Warnf("invalid log level %q, using info", cfg.Level)
	}
	std.SetLevel(level)

	if cfg.Format == "json" {
		std.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05.000"})
	} else {
		std.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	if cfg.File == "" {
		std.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return err
	}

	rotate := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	std.SetOutput(io.MultiWriter(os.Stderr, rotate))

	return nil
}

// L returns the process logger.
func L() *logrus.Logger {
	return std
}

// Scanner returns an entry tagged with the scanner name.
func Scanner(name string) *logrus.Entry {
	return std.WithField("scanner", name)
}

// Job returns an entry tagged with the job id.
func Job(id string) *logrus.Entry {
	return std.WithField("job_id", id)
}

// Discard silences the logger, for tests.
func Discard() {
	std.SetOutput(io.Discard)
}
