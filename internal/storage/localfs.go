package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem means the state database would live on a share whose
// locking SQLite cannot trust. Job claims depend on that lock.
var ErrNetworkFilesystem = errors.New("state database is on a network filesystem")

// mount describes the filesystem holding a path.
type mount struct {
	kind    string
	network bool
}

// mountLookup reports the mount under an existing path. errors.ErrUnsupported means
// the platform cannot tell.
type mountLookup func(path string) (mount, error)

// remoteKinds are filesystem names treated as network mounts on every platform.
var remoteKinds = []string{"afpfs", "cifs", "nfs", "nfs4", "smb2", "smbfs", "webdav", "fuse.sshfs"}

func remoteKind(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, k := range remoteKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// CheckLocalFilesystem rejects database paths on network mounts. Platforms
// without detection pass.
func CheckLocalFilesystem(path string) error {
	return checkMount(path, statMount)
}

func checkMount(path string, p mountLookup) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("sqlite path is empty")
	}
	anchor, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	m, err := p(anchor)
	switch {
	case errors.Is(err, errors.ErrUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", anchor, err)
	case m.network || remoteKind(m.kind):
		return fmt.Errorf("%w: %q is on %s; set state.path to a local disk", ErrNetworkFilesystem, path, m.kind)
	}
	return nil
}

// existingAncestor returns path itself or its closest existing parent, so a
// database that has not been created yet is checked against the mount it will land on.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
		up := filepath.Dir(dir)
		if up == dir {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		dir = up
	}
}
