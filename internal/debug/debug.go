// Package debug provides env-gated diagnostic logging. Set RELSTATE_DEBUG
// to any non-empty value to enable.
package debug

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("RELSTATE_DEBUG") != ""
	verboseMode bool
	mu          sync.Mutex
)

// Enabled reports whether debug output is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables debug output regardless of the environment.
func SetVerbose(v bool) {
	verboseMode = v
}

// Logf writes a timestamped line to stderr when debug output is enabled.
func Logf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "[%s] "+format+"\n",
		append([]interface{}{time.Now().Format("15:04:05.000")}, args...)...)
}
