// Package util provides the small set of cross-cutting helpers every
// component in pvcontrol relies on: a leveled, per-area logger and a config
// decoding helper, both modeled on the teacher's util package.
package util

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// LogLevel controls which of a Logger's per-level writers actually emit.
type LogLevel int

const (
	FATAL LogLevel = iota
	ERROR
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	FATAL: "FATAL", ERROR: "ERROR", WARN: "WARN", INFO: "INFO", DEBUG: "DEBUG", TRACE: "TRACE",
}

var (
	mu          sync.Mutex
	globalLevel = INFO
)

// SetLevel sets the process-wide log level. Loggers created before or after
// this call all observe it, mirroring the teacher's single-binary deployment
// model (no per-logger level overrides are needed in this system).
func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = l
}

// Logger is a named logging area with one method per level, all writing
// through the standard log package and filtered by the global level.
type Logger struct {
	area string
}

// NewLogger creates a logger for a named area, e.g. "controller", "wallbox".
func NewLogger(area string) *Logger {
	return &Logger{area: area}
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	mu.Lock()
	enabled := level <= globalLevel
	mu.Unlock()
	if !enabled {
		return
	}
	prefix := fmt.Sprintf("[%s] %-5s %s - ", timestamp(), levelNames[level], l.area)
	log.Output(3, prefix+fmt.Sprintf(format, args...))
}

func timestamp() string {
	return time.Now().Format("2006-01-02T15:04:05.000Z07:00")
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(DEBUG, format, args...) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.logf(TRACE, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(WARN, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(ERROR, format, args...) }

// Fatalf logs at FATAL and terminates the process, matching the teacher's
// lp.log.FATAL.Fatal usage for unrecoverable startup configuration errors.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logf(FATAL, format, args...)
	os.Exit(1)
}
