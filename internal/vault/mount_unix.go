package vault

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SystemMounts detects mount points the way mountpoint(1) does: a directory
// whose device differs from its parent's, or that is its own parent.
type SystemMounts struct{}

// IsMountPoint implements MountChecker.
func (SystemMounts) IsMountPoint(path string) (bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Lstat(filepath.Join(path, ".."), &parent); err != nil {
		return false, fmt.Errorf("stat parent of %s: %w", path, err)
	}
	if st.Dev != parent.Dev {
		return true, nil
	}
	return st.Ino == parent.Ino, nil
}
