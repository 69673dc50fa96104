// Package obs contains observability utilities such as logging.
package obs

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/product-catalog-service/internal/correlation"
)

// Logger is the global structured logger used by the service.
//
// It defaults to slog's default logger so packages can log before
// InitLogger runs, e.g. in tests.
var Logger = slog.Default()

// InitLogger initializes the global Logger with a JSON handler at the given
// level ("debug", "info", "warn", "error"; anything else means info).
func InitLogger(level string) {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	Logger = slog.New(h)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns Logger annotated with the request and trace ids on ctx.
func With(ctx context.Context) *slog.Logger {
	ids := correlation.FromContext(ctx)
	return Logger.With("request_id", ids.RequestID, "trace_id", ids.TraceID)
}
