//go:build unix

package secret

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Locking is best effort: RLIMIT_MEMLOCK is often small for unprivileged users
// and an unlocked buffer is still wiped.
func lockMemory(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return unix.Mlock(p)
}

func unlockMemory(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return unix.Munlock(p)
}

// DisableCoreDumps keeps secret pages out of core files for the rest of the
// process lifetime.
func DisableCoreDumps() error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("secret: set RLIMIT_CORE: %w", err)
	}
	return disableDumpable()
}
