//go:build linux

package executor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyRlimits constrains the child process after spawn. Limits are set on
// the pid directly so the server process itself is unaffected. cpuSeconds
// of zero leaves CPU time uncapped; the script phase relies on its wall
// clock instead.
func applyRlimits(pid int, memoryLimitMB, fileSizeLimitMB, maxProcesses, cpuSeconds int64) error {
	set := func(resource int, cur uint64) error {
		lim := unix.Rlimit{Cur: cur, Max: cur}
		return unix.Prlimit(pid, resource, &lim, nil)
	}
	if err := set(unix.RLIMIT_AS, uint64(memoryLimitMB)<<20); err != nil {
		return fmt.Errorf("setting address space limit: %w", err)
	}
	if err := set(unix.RLIMIT_FSIZE, uint64(fileSizeLimitMB)<<20); err != nil {
		return fmt.Errorf("setting file size limit: %w", err)
	}
	if err := set(unix.RLIMIT_NPROC, uint64(maxProcesses)); err != nil {
		return fmt.Errorf("setting process limit: %w", err)
	}
	if err := set(unix.RLIMIT_CORE, 0); err != nil {
		return fmt.Errorf("disabling core dumps: %w", err)
	}
	if cpuSeconds > 0 {
		if err := set(unix.RLIMIT_CPU, uint64(cpuSeconds)); err != nil {
			return fmt.Errorf("setting cpu limit: %w", err)
		}
	}
	return nil
}
