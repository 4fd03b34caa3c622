package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the process-wide zerolog logger.
type Options struct {
	Level  string // debug, info, warn, error
	Pretty bool
	Output io.Writer
}

// Setup configures the global zerolog logger used through
// github.com/rs/zerolog/log by every package.
func Setup(opts Options) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	if opts.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "siliconchat").
		Logger()

	log.Logger = logger
	return logger
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ForChannel returns a sub-logger tagged with a conversation key.
func ForChannel(platform, channelID string) zerolog.Logger {
	return log.With().
		Str("platform", platform).
		Str("channel_id", channelID).
		Logger()
}

// ForRequest returns a sub-logger tagged with an inbound request id.
func ForRequest(requestID string) zerolog.Logger {
	return log.With().Str("request_id", requestID).Logger()
}
