//go:build unix

package kdf

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapBlocks maps the work area outside the Go heap so that running out of
// memory is an error value rather than a fatal runtime throw.
func mapBlocks(n int) ([]block, func(), error) {
	mem, err := unix.Mmap(-1, 0, n*blockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return nil, nil, fmt.Errorf("%w (%d KiB): %w", ErrInsufficientMemory, n, err)
		}
		return nil, nil, fmt.Errorf("kdf: map work area: %w", err)
	}
	blocks := unsafe.Slice((*block)(unsafe.Pointer(&mem[0])), n)
	return blocks, func() { _ = unix.Munmap(mem) }, nil
}
