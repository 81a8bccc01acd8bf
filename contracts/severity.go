package contracts

import "log/slog"

// SeverityLevel mirrors the AI contract's SeverityLevel enum.
type SeverityLevel int

const (
	SeverityVerbose SeverityLevel = iota
	SeverityInformation
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s SeverityLevel) String() string {
	switch s {
	case SeverityVerbose:
		return "verbose"
	case SeverityInformation:
		return "information"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SeverityFromSlog maps a slog level onto the AI severity scale.
func SeverityFromSlog(level slog.Level) SeverityLevel {
	switch {
	case level < slog.LevelInfo:
		return SeverityVerbose
	case level < slog.LevelWarn:
		return SeverityInformation
	case level < slog.LevelError:
		return SeverityWarning
	default:
		return SeverityError
	}
}
