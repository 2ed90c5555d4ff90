//go:build linux || darwin

package analytics

import "golang.org/x/sys/unix"

// DiskUsage returns the used percentage of the filesystem holding path.
func DiskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := uint64(st.Blocks) * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	return float64(total-free) / float64(total) * 100, nil
}
