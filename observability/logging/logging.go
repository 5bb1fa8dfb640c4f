package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// levelEnvVar lets operators raise or lower verbosity without a config
// change; the daemon config carries no logging knobs.
const levelEnvVar = "ESCROWD_LOG_LEVEL"

// Setup builds the daemon's JSON logger, tagged with the service name and
// environment, installs it as the slog default and bridges the standard
// library logger into it. The minimum level comes from ESCROWD_LOG_LEVEL.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv(levelEnvVar)),
	})

	logger := slog.New(handler).With(slog.String("service", strings.TrimSpace(service)))
	if env = strings.TrimSpace(env); env != "" {
		logger = logger.With(slog.String("env", env))
	}
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger
}

// ForEngine tags a logger with the engine it reports for, so lines from the
// trade, lending and wallet engines stay distinguishable in one stream.
func ForEngine(logger *slog.Logger, engine string) *slog.Logger {
	if logger == nil {
		return slog.Default().With(slog.String("engine", engine))
	}
	return logger.With(slog.String("engine", engine))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
