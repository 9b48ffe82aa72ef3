//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package monitor

import "errors"

func processCPUSeconds() (float64, error) {
	return 0, errors.New("monitor: cpu time not supported on this platform")
}
