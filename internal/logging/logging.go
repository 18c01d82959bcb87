// Package logging builds the structured logger shared by every component.
//
// charmbracelet/log is wired here for real: one logger built at startup
// and threaded through every constructor, never a package-level global.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/natefinch/lumberjack"
)

// Logger is the subset of *log.Logger every component depends on. Accepting
// this interface (rather than *log.Logger directly) keeps internal packages
// decoupled from charmbracelet/log and easy to exercise with a test double.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

// Options configures the logger. FilePath, when non-empty, additionally
// writes logs to a lumberjack-rotated file; LevelName is one of
// "debug"/"info"/"warn"/"error" (default "info").
type Options struct {
	LevelName string
	FilePath  string
}

// New builds a Logger per Options. The returned io.Closer flushes the
// rotated log file, if one was configured; it is a no-op otherwise.
func New(opts Options) (*log.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	closer := io.NopCloser(strings.NewReader(""))

	if opts.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Level:           parseLevel(opts.LevelName),
	})

	return logger, closer
}

// NewDiscard returns a Logger that writes nowhere, for tests that only care
// about behavior, not log output.
func NewDiscard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func parseLevel(name string) log.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
