// internal/runner/identity.go
package runner

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
)

var bootID = sync.OnceValue(func() string {
	b, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
})

// ProcessIdentity returns "<boot id>/<start time>" for pid, which stays the
// same for the life of the process and differs for any later process that
// reuses the pid. It is empty where /proc is not available.
func ProcessIdentity(pid int) string {
	if pid <= 0 {
		return ""
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ""
	}
	// comm may contain spaces and parentheses; the fixed fields start after
	// the last ')'. starttime is field 22, the 20th after comm.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return ""
	}
	fields := strings.Fields(string(stat[i+1:]))
	if len(fields) < 20 {
		return ""
	}
	return bootID() + "/" + fields[19]
}

// SameProcess reports whether pid is alive and is still the process that
// identity was taken from. An empty identity never matches: a pid that
// cannot be told apart from a stranger is not adopted or signalled.
func SameProcess(pid int, identity string) bool {
	if identity == "" || !ProcessAlive(pid) {
		return false
	}
	return ProcessIdentity(pid) == identity
}
