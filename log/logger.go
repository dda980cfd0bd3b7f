package log

import "context"

// Fields is a set of structured key/value pairs attached to a log line.
type Fields = map[string]interface{}

// Logger defines the logging surface used across the gateway.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	Error(ctx context.Context, msg string, err error, fields ...Fields)
	Fatal(ctx context.Context, msg string, err error, fields ...Fields) // exits the process
	With(fields Fields) Logger                                          // child logger with fixed fields
}
