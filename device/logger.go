package device

import (
	"github.com/sirupsen/logrus"
)

// A Logger provides logging for the device. The two levels mirror how
// the engine actually speaks: Verbosef for per-packet diagnostics that
// are safe to discard, Errorf for conditions an operator should see.
// Function fields allow any backend; nil fields are not allowed, use
// DiscardLogf instead.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// DiscardLogf discards its arguments.
func DiscardLogf(format string, args ...any) {}

// NewLogger builds a Logger on top of logrus. Verbose output maps to
// debug level, so per-packet noise stays out of production logs unless
// explicitly enabled.
func NewLogger(log logrus.FieldLogger, verbose bool) *Logger {
	logger := &Logger{
		Verbosef: DiscardLogf,
		Errorf:   log.Errorf,
	}
	if verbose {
		logger.Verbosef = log.Debugf
	}
	return logger
}

// DiscardLogger is used where no logging is wanted, mostly in tests.
var DiscardLogger = &Logger{Verbosef: DiscardLogf, Errorf: DiscardLogf}
