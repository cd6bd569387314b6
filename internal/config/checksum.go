package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrChecksumMismatch means config.yaml changed since its checksum was written.
var ErrChecksumMismatch = errors.New("config checksum mismatch")

// ChecksumPath is the sidecar holding the BLAKE3 digest of a config file.
func ChecksumPath(configFile string) string {
	return configFile + ".b3"
}

// Checksum returns the hex BLAKE3-256 digest of the raw config bytes.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteChecksum records the digest of configFile in its sidecar and returns it.
func WriteChecksum(configFile string) (string, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := Checksum(data)
	if err := os.WriteFile(ChecksumPath(configFile), []byte(sum+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}
	return sum, nil
}

// verifyChecksum compares data against the sidecar when one exists. A missing
// sidecar is not an error.
func verifyChecksum(configFile string, data []byte) error {
	want, err := os.ReadFile(ChecksumPath(configFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}
	if got := Checksum(data); got != strings.TrimSpace(string(want)) {
		return fmt.Errorf("%w: %s (run `paysink config lock` after reviewing the change)", ErrChecksumMismatch, configFile)
	}
	return nil
}
