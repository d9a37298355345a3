package logging

// LogEntry represents a structured log record with fields particularly
// relevant to prompt-optimization runs.
type LogEntry struct {
	// Standard fields
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int
	Function string

	// Optimization-specific fields
	RunID     string // Identifier of the optimization or inference run
	ContextID string // Dataset context being optimized
	Latency   int64  // Operation duration in milliseconds

	// General structured data
	Fields map[string]interface{}
}
