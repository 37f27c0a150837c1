package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nkeys"
)

// LoadOrCreateIdentity returns the node identity key stored at path, generating and
// persisting a new user NKey seed when the file does not exist yet.
func LoadOrCreateIdentity(path string) (nkeys.KeyPair, error) {
	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp, err := nkeys.FromSeed(bytes.TrimSpace(seed))
		if err != nil {
			return nil, fmt.Errorf("invalid identity key in %s: %w", path, err)
		}
		return kp, nil
	case errors.Is(err, os.ErrNotExist):
		kp, err := nkeys.CreateUser()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity key: %w", err)
		}
		if err := WriteIdentity(path, kp); err != nil {
			return nil, err
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("failed to read identity key %s: %w", path, err)
	}
}

// WriteIdentity stores the seed of kp at path with owner-only permissions
func WriteIdentity(path string, kp nkeys.KeyPair) error {
	seed, err := kp.Seed()
	if err != nil {
		return fmt.Errorf("failed to export identity seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, append(seed, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write identity key %s: %w", path, err)
	}
	return nil
}
