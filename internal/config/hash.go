package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name, kept next to the config file.
const ChecksumFile = ".checksums"

// ErrNoChecksums means no manifest exists next to the config file.
var ErrNoChecksums = errors.New("checksums file not found")

// ChecksumManifest records BLAKE3 hashes of config files by base name.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock hashes the config file at path and writes the manifest beside it.
// It returns the manifest path.
func Lock(path string) (string, error) {
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(path): hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}

	manifestPath := filepath.Join(filepath.Dir(path), ChecksumFile)
	// Restrictive permissions: the manifest is the trust anchor.
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifestPath, nil
}

// LoadChecksums reads the manifest in dir.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksum checks the config file at path against the manifest in
// its directory. It returns ErrNoChecksums when there is no manifest.
func VerifyChecksum(path string) error {
	manifest, err := LoadChecksums(filepath.Dir(path))
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in %s (run 'evexec config lock')", name, ChecksumFile)
	}
	actual, err := ComputeBlake3Hash(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: evexec config lock", name, expected, actual)
	}
	return nil
}
