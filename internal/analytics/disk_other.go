//go:build !linux && !darwin

package analytics

import "errors"

// DiskUsage is not supported on this platform.
func DiskUsage(path string) (float64, error) {
	return 0, errors.New("disk usage not supported on this platform")
}
