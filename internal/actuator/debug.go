package actuator

import (
	"io"
	"log"
)

var (
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the logging streams for the actuator package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(diag, trace io.Writer) {
	diagLogger = newLogger("[actuator] ", diag)
	traceLogger = newLogger("[actuator] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
