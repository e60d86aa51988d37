package main

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dkeye/SaleFeed/internal/config"
)

// setupLogger points the global zerolog logger at out (human-readable in
// debug mode, JSON otherwise) and, when log_file is set, a rotated file.
func setupLogger(cfg *config.Config, out io.Writer) (func(), error) {
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "log_level %q", cfg.LogLevel)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	console := out
	if cfg.Mode == "debug" {
		console = zerolog.ConsoleWriter{Out: out}
	}
	writers := []io.Writer{console}

	closeFn := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			LocalTime:  true,
		}
		writers = append(writers, file)
		closeFn = func() { _ = file.Close() }
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closeFn, nil
}
