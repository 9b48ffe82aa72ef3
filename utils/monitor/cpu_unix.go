//go:build linux || darwin || freebsd || netbsd || openbsd

package monitor

import "golang.org/x/sys/unix"

func processCPUSeconds() (float64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return float64(ru.Utime.Nano()+ru.Stime.Nano()) / 1e9, nil
}
