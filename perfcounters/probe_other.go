//go:build !linux

package perfcounters

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("process probes unsupported on this platform")

func readCPUUsageUsec() (int64, error) {
	return 0, errUnsupported
}

func readCPUCores() float64 {
	return float64(runtime.NumCPU())
}

func readMemory() (current int64, total int64) {
	return 0, 0
}

func readDiskStats(string) (used int64, total int64, free int64) {
	return 0, 0, 0
}

func currentRSSBytes() (int64, error) {
	return 0, errUnsupported
}
