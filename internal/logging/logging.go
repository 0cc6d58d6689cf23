// Package logging initializes the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
)

// Options controls logger construction.
type Options struct {
	Level   slog.Level
	LogFile string // appended to in addition to stderr; empty disables
	NoColor bool
	Quiet   bool // suppress stderr; log only to the file (used under the TUI)
}

// Init builds the logger and installs it as the slog default. The returned
// close function flushes and closes the log file, if one was opened.
func Init(opts Options) (*slog.Logger, func() error, error) {
	writer := io.Writer(os.Stderr)
	closeFn := func() error { return nil }

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		logFile, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		if opts.Quiet {
			writer = logFile
		} else {
			writer = io.MultiWriter(os.Stderr, logFile)
		}
		closeFn = logFile.Close
	} else if opts.Quiet {
		writer = io.Discard
	}

	handler := tint.NewHandler(writer, &tint.Options{
		Level:   opts.Level,
		NoColor: opts.NoColor,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}
