package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCheckMount(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "state.db")

	tests := []struct {
		name    string
		mount   mount
		statErr error
		wantErr error
	}{
		{name: "local", mount: mount{kind: "ext4"}},
		{name: "apfs", mount: mount{kind: "apfs"}},
		{name: "nfs by name", mount: mount{kind: "nfs"}, wantErr: ErrNetworkFilesystem},
		{name: "smb upper case", mount: mount{kind: " SMBFS "}, wantErr: ErrNetworkFilesystem},
		{name: "flagged remote", mount: mount{kind: "osxfuse", network: true}, wantErr: ErrNetworkFilesystem},
		{name: "unsupported platform", statErr: errors.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var looked string
			err := checkMount(dbPath, func(p string) (mount, error) {
				looked = p
				return tt.mount, tt.statErr
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if looked != root {
				t.Fatalf("statted %q, want nearest existing parent %q", looked, root)
			}
		})
	}
}

func TestCheckMountStatError(t *testing.T) {
	t.Parallel()

	err := checkMount(filepath.Join(t.TempDir(), "state.db"), func(string) (mount, error) {
		return mount{}, errors.New("statfs failed")
	})
	if err == nil || errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected statfs error, got %v", err)
	}
	if err := checkMount("  ", nil); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestCheckLocalFilesystemTempDir(t *testing.T) {
	t.Parallel()

	if err := CheckLocalFilesystem(filepath.Join(t.TempDir(), "state.db")); err != nil {
		t.Fatalf("temp dir should be local: %v", err)
	}
}
