//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// f_type values from statfs(2). Statfs_t.Type is signed on some architectures,
// so lookups go through uint32.
var remoteMagic = map[uint32]string{
	0x6969:     "nfs",
	0x517B:     "smbfs",
	0xFF534D42: "cifs",
	0xFE534D42: "smb2",
}

func statMount(path string) (mount, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return mount{}, fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := uint32(st.Type)
	if kind, ok := remoteMagic[magic]; ok {
		return mount{kind: kind, network: true}, nil
	}
	return mount{kind: fmt.Sprintf("0x%x", magic)}, nil
}
