package events

import (
	"fmt"
	"strings"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
)

const (
	SeverityNameDebug = "DEBUG"
	SeverityNameInfo  = "INFO"
	SeverityNameWarn  = "WARN"
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return SeverityNameDebug
	case SeverityInfo:
		return SeverityNameInfo
	case SeverityWarn:
		return SeverityNameWarn
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

func (s Severity) AtLeast(min Severity) bool {
	return s >= min
}

func ParseSeverity(value string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case SeverityNameDebug:
		return SeverityDebug, nil
	case SeverityNameInfo:
		return SeverityInfo, nil
	case SeverityNameWarn, "WARNING":
		return SeverityWarn, nil
	default:
		return SeverityDebug, fmt.Errorf("unknown severity '%s'", value)
	}
}
