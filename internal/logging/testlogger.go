package logging

import "fmt"

// TestLogger is a Logger for tests. Warnings and errors are always printed;
// debug and info only when verbose.
type TestLogger struct {
	verbose bool
	fields  []Field
}

// NewTestLogger creates a new test logger.
func NewTestLogger(verbose bool) *TestLogger {
	return &TestLogger{verbose: verbose}
}

func (tl *TestLogger) Debug(msg string, fields ...Field) {
	if tl.verbose {
		fmt.Printf("[DEBUG] %s %v\n", msg, append(tl.fields, fields...))
	}
}

func (tl *TestLogger) Info(msg string, fields ...Field) {
	if tl.verbose {
		fmt.Printf("[INFO] %s %v\n", msg, append(tl.fields, fields...))
	}
}

func (tl *TestLogger) Warn(msg string, fields ...Field) {
	fmt.Printf("[WARN] %s %v\n", msg, append(tl.fields, fields...))
}

func (tl *TestLogger) Error(msg string, fields ...Field) {
	fmt.Printf("[ERROR] %s %v\n", msg, append(tl.fields, fields...))
}

func (tl *TestLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(tl.fields)+len(fields))
	merged = append(merged, tl.fields...)
	merged = append(merged, fields...)
	return &TestLogger{verbose: tl.verbose, fields: merged}
}

// NopLogger discards everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}

func (n *NopLogger) With(...Field) Logger { return n }
