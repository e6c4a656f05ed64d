package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ReadPidfile reads an integer PID from a runtime pidfile.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", path, err)
	}
	return pid, nil
}

// PidAlive reports whether a process with the given PID exists, using a
// zero-signal probe. EPERM counts as alive: the process exists but belongs
// to another user.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// PidfileAlive combines ReadPidfile and PidAlive; a missing or malformed
// pidfile reads as not alive.
func PidfileAlive(path string) (int, bool) {
	pid, err := ReadPidfile(path)
	if err != nil {
		return 0, false
	}
	return pid, PidAlive(pid)
}
