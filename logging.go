package appinsights

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON slog logger the client uses by default. Hosts
// that already carry a logger should pass theirs via WithLogger instead.
func NewLogger(level string) (*slog.Logger, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	levelVar := new(slog.LevelVar)
	if err := levelVar.UnmarshalText([]byte(normalized)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelVar,
	})
	return slog.New(handler), nil
}
