//go:build linux

package secret

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PR_SET_DUMPABLE=0 also blocks ptrace attach from same-uid processes.
func disableDumpable() error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("secret: prctl PR_SET_DUMPABLE: %w", err)
	}
	return nil
}
