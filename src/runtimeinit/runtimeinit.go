// Package runtimeinit performs the shared startup sequence: configuration,
// logging, validation and optional clipboard access.
package runtimeinit

import (
	"fmt"

	"github.com/rs/zerolog"

	"tryon-relay/src/clipboard"
	"tryon-relay/src/config"
	"tryon-relay/src/logutil"
)

type Options struct {
	LoadOptions config.LoadOptions
	Verbose     bool
	// LogDir holds the debug log when file logging is enabled.
	LogDir string
	// NeedClipboard initializes the system clipboard up front so a missing
	// display fails before any job is submitted.
	NeedClipboard bool
}

// Bootstrap loads and validates the configuration and returns the process
// logger.
func Bootstrap(opts Options) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logutil.Setup(logutil.Options{
		FileLogging: cfg.EnableFileLogging,
		Verbose:     opts.Verbose,
		Level:       cfg.LogLevel,
		Dir:         opts.LogDir,
	})

	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	logger.Debug().
		Str("backend", cfg.Backend).
		Str("transport", cfg.Transport).
		Str("api_key_path", cfg.APIKeyPath).
		Str("api_key", logutil.RedactKey(cfg.APIKey)).
		Dur("poll_interval", cfg.PollInterval).
		Msg("config loaded")

	if opts.NeedClipboard {
		if err := clipboard.Init(); err != nil {
			return nil, logger, fmt.Errorf("failed to initialize clipboard: %w", err)
		}
	}
	return cfg, logger, nil
}
