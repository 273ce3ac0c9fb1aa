// Package logging is a thin leveled wrapper over the standard log
// package. The teacher project itself never reaches past fmt.Printf for
// its own logging, so there is no third-party structured logger anywhere
// in the example pack to ground a heavier dependency on here; see
// DESIGN.md for that call.
package logging

import (
	"log"
	"os"
)

type Logger struct {
	*log.Logger
	prefix string
}

func New(prefix string) *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
		prefix: prefix,
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Printf("[INFO] "+l.prefix+" "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf("[WARN] "+l.prefix+" "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Printf("[ERROR] "+l.prefix+" "+format, args...)
}
