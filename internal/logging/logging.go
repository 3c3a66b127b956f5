// Package logging wires zerolog for the whole process: console output in
// development, JSON in production, optional rotating file sink.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the sinks and level for the global logger.
type Options struct {
	Level       string // zerolog level name, default info
	Environment string // "development" switches to the console writer
	FilePath    string // when set, logs also rotate through this file
	Ring        *Ring  // when set, recent lines stay readable in memory
}

// Setup replaces the global zerolog logger. Safe to call once at startup.
func Setup(opts Options) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if opts.Environment == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0755); err != nil {
			return err
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    100, // MB
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, rotating)
	}

	if opts.Ring != nil {
		out = io.MultiWriter(out, opts.Ring)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
