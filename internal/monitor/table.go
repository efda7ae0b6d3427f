package monitor

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTable answers whether a process is still present in the OS process table.
type ProcessTable interface {
	// Running reports whether pid is alive and named name. A zero pid matches any
	// process called name; an empty name accepts any live pid.
	Running(ctx context.Context, pid int32, name string) (bool, error)
}

// DefaultProcessName returns the client process name as listed by the OS.
func DefaultProcessName() string {
	if runtime.GOOS == "windows" {
		return "Roblox.exe"
	}

	return "Roblox"
}

// SystemTable reads the process table through gopsutil.
type SystemTable struct{}

// Running implements ProcessTable.
func (SystemTable) Running(ctx context.Context, pid int32, name string) (bool, error) {
	if pid > 0 {
		exists, err := process.PidExistsWithContext(ctx, pid)
		if err != nil || !exists {
			return false, err
		}
		if name == "" {
			return true, nil
		}

		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			// exited between the two calls
			return false, nil
		}

		actual, err := p.NameWithContext(ctx)
		if err != nil {
			// alive but unreadable, trust the pid
			return true, nil
		}

		return sameName(actual, name), nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}

	for _, p := range procs {
		actual, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if sameName(actual, name) {
			return true, nil
		}
	}

	return false, nil
}

// sameName compares process names ignoring case and a trailing ".exe",
// so a client running under a compatibility layer still matches.
func sameName(actual, expected string) bool {
	if strings.EqualFold(actual, expected) {
		return true
	}

	trim := func(s string) string {
		if len(s) > 4 && strings.EqualFold(s[len(s)-4:], ".exe") {
			return s[:len(s)-4]
		}
		return s
	}

	return strings.EqualFold(trim(actual), trim(expected))
}
