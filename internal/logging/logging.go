// Package logging builds the process-wide zap logger.
//
// Two profiles are supported: a human-readable development logger for
// interactive use and a JSON production logger for deployed servers. The
// profile follows the configured environment, with a verbose switch that
// forces debug output regardless of environment.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given environment name. "dev" and
// "development" select the console encoder with debug enabled; anything
// else selects the JSON production encoder at info level. verbose lowers
// the production level to debug without changing the encoder.
func New(env string, verbose bool) (*zap.Logger, error) {
	switch env {
	case "dev", "development":
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	default:
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		return cfg.Build()
	}
}
