package broker

import (
	"fmt"
	"log/slog"
	"sync"
)

// natsLogger routes broker log lines to slog. Fatal lines are recorded instead of
// exiting the process so that Start can report them.
type natsLogger struct {
	logger *slog.Logger

	mu    sync.Mutex
	fatal []string
}

func newNATSLogger(logger *slog.Logger) *natsLogger {
	return &natsLogger{logger: logger.With("component", "broker")}
}

// Noticef logs a notice statement
func (l *natsLogger) Noticef(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning statement
func (l *natsLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

// Fatalf records and logs a fatal error
func (l *natsLogger) Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.mu.Lock()
	l.fatal = append(l.fatal, msg)
	l.mu.Unlock()
	l.logger.Error(msg, "fatal", true)
}

// Errorf logs an error statement
func (l *natsLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Debugf logs a debug statement
func (l *natsLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

// Tracef logs a trace statement
func (l *natsLogger) Tracef(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "trace", true)
}

// fatalErrors returns the fatal lines recorded so far
func (l *natsLogger) fatalErrors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.fatal))
	copy(out, l.fatal)
	return out
}
