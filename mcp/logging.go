package mcp

// LoggingLevel represents structured log severity.
type LoggingLevel string

// Logging levels, least to most severe.
const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var loggingSeverity = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// IsValidLoggingLevel reports whether the provided level is one of the
// protocol-defined LoggingLevel values.
func IsValidLoggingLevel(level LoggingLevel) bool {
	_, ok := loggingSeverity[level]
	return ok
}

// AtLeast reports whether l is as severe as min. Unknown levels never pass.
func (l LoggingLevel) AtLeast(min LoggingLevel) bool {
	a, ok := loggingSeverity[l]
	if !ok {
		return false
	}
	b, ok := loggingSeverity[min]
	if !ok {
		return false
	}
	return a >= b
}
