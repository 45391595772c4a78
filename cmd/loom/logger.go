package main

import (
	"os"

	"github.com/weftworks/loom/pkg/logger"
)

const (
	// LogLevelEnvVar is the environment variable for the log level.
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar is the environment variable for the log file path.
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar is the environment variable for the log format.
	LogFormatEnvVar = "LOG_FORMAT"
)

// initLogger installs the process logger from CLI flags and environment
// variables. Priority: CLI flags > env vars > defaults.
func initLogger(cliLevel, cliFile, cliFormat string) (func(), error) {
	level := cliLevel
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		level = "info"
	}

	output := cliFile
	if output == "" {
		output = os.Getenv(LogFileEnvVar)
	}
	if output == "" {
		output = "stderr"
	}

	format := cliFormat
	if format == "" {
		format = os.Getenv(LogFormatEnvVar)
	}
	if format == "" {
		format = "simple"
	}

	return logger.Setup(level, output, format)
}
