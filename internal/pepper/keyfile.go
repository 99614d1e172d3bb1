package pepper

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"sitepass/internal/secret"
)

const KeyfileSize = 32

var ErrKeyfileExists = errors.New("keyfile already exists")

// GenerateKeyfile writes KeyfileSize random bytes to a new file and marks it
// read-only. It never overwrites anything; a partially written file is removed.
func GenerateKeyfile(path string) (err error) {
	key := secret.NewFull(KeyfileSize)
	defer key.Destroy()
	if _, err := rand.Read(key.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyfile, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeyfileExists, path)
		}
		return fmt.Errorf("%w: %w", ErrKeyfile, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = f.Write(key.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: writing %s: %w", ErrKeyfile, path, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: syncing %s: %w", ErrKeyfile, path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrKeyfile, path, err)
	}
	if err = os.Chmod(path, 0o400); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyfile, err)
	}
	return nil
}
