package kdf

import (
	"encoding/binary"
	"runtime"

	"golang.org/x/crypto/blake2b"
)

// hashLong is the variable-length hash H' from RFC 9106 section 3.3.
func hashLong(out, in []byte) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(out)))

	if len(out) <= blake2b.Size {
		h, _ := blake2b.New(len(out), nil)
		h.Write(prefix[:])
		h.Write(in)
		h.Sum(out[:0])
		return
	}

	var v [blake2b.Size]byte
	defer wipeBytes(v[:])
	h, _ := blake2b.New512(nil)
	h.Write(prefix[:])
	h.Write(in)
	h.Sum(v[:0])

	n := copy(out, v[:blake2b.Size/2])
	for len(out)-n > blake2b.Size {
		v = blake2b.Sum512(v[:])
		n += copy(out[n:], v[:blake2b.Size/2])
	}
	h, _ = blake2b.New(len(out)-n, nil)
	h.Write(v[:])
	h.Sum(out[n:n])
}

func wipeBytes(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}

func wipeBlock(b *block) {
	*b = block{}
	runtime.KeepAlive(b)
}

func wipeBlocks(B []block) {
	clear(B)
	runtime.KeepAlive(B)
}
