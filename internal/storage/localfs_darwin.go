//go:build darwin

package storage

import (
	"fmt"
	"syscall"
)

// MNT_LOCAL from <sys/mount.h>.
const mntLocal = 0x1000

func statMount(path string) (mount, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return mount{}, fmt.Errorf("statfs %q: %w", path, err)
	}
	var kind []byte
	for _, c := range st.Fstypename {
		if c == 0 {
			break
		}
		kind = append(kind, byte(c))
	}
	return mount{kind: string(kind), network: st.Flags&mntLocal == 0}, nil
}
