// Package secret owns the lifecycle of secret byte sequences: every buffer has a
// fixed capacity chosen at acquisition and is zeroed before it is released.
package secret

import (
	"errors"
	"fmt"
	"runtime"
)

var ErrCapacityExceeded = errors.New("secret buffer capacity exceeded")

// Buffer is a fixed-capacity secret. Bytes returns the logical slice; Wipe clears
// the whole backing array so a partially filled buffer never leaves a tail behind.
type Buffer struct {
	data   []byte
	n      int
	locked bool
}

// New allocates a buffer of exactly capacity bytes with logical length zero.
func New(capacity int) *Buffer {
	b := &Buffer{data: make([]byte, capacity)}
	b.locked = lockMemory(b.data) == nil
	return b
}

// NewFull allocates a buffer whose logical length equals its capacity.
func NewFull(size int) *Buffer {
	b := New(size)
	b.n = size
	return b
}

func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data[:b.n]
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.n
}

func (b *Buffer) Cap() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Spare exposes the unused tail for in-place writes; commit them with SetLen.
func (b *Buffer) Spare() []byte {
	return b.data[b.n:]
}

func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("%w: length %d, capacity %d", ErrCapacityExceeded, n, len(b.data))
	}
	b.n = n
	return nil
}

func (b *Buffer) Append(p []byte) error {
	if len(p) > len(b.data)-b.n {
		return fmt.Errorf("%w: need %d more bytes, %d free", ErrCapacityExceeded, len(p), len(b.data)-b.n)
	}
	b.n += copy(b.data[b.n:], p)
	return nil
}

func (b *Buffer) AppendByte(c byte) error {
	if b.n >= len(b.data) {
		return fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, len(b.data))
	}
	b.data[b.n] = c
	b.n++
	return nil
}

// Write implements io.Writer without ever growing the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *Buffer) String() string {
	return "[secret]"
}

// Wipe zeroes the full capacity and resets the logical length.
func (b *Buffer) Wipe() {
	if b == nil {
		return
	}
	Wipe(b.data)
	b.n = 0
}

// Destroy wipes the buffer and releases its page lock. The buffer stays usable
// as an empty value so a second Destroy is harmless.
func (b *Buffer) Destroy() {
	if b == nil {
		return
	}
	b.Wipe()
	if b.locked {
		_ = unlockMemory(b.data)
		b.locked = false
	}
}

// Backing returns the whole backing array. Tests use it to inspect wiped memory.
func (b *Buffer) Backing() []byte {
	return b.data
}

// Wipe overwrites p with zeros in a way the compiler cannot drop as a dead store.
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}
