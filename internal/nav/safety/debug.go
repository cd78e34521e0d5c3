package safety

import (
	"io"
	"log"
)

var opsLogger *log.Logger

// SetLogWriters configures the ops log stream for the safety package.
// Pass nil to disable it.
func SetLogWriters(ops io.Writer) {
	if ops == nil {
		opsLogger = nil
		return
	}
	opsLogger = log.New(ops, "[safety] ", log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}
