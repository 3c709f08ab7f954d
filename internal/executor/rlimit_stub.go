//go:build !linux

package executor

// applyRlimits is a no-op on platforms without prlimit. The output and
// wall-clock supervisors still bound the child.
func applyRlimits(pid int, memoryLimitMB, fileSizeLimitMB, maxProcesses, cpuSeconds int64) error {
	return nil
}
