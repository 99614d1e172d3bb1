// Package kdf implements Argon2id (RFC 9106) with the optional secret-key and
// associated-data inputs that golang.org/x/crypto/argon2 does not expose.
//
// The block layout and indexing follow x/crypto/argon2 so the two agree bit for
// bit whenever the secret and associated data are empty. Lanes are processed
// one after another on the calling goroutine.
package kdf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	version     = 0x13
	argon2id    = 2
	blockLength = 128
	blockSize   = blockLength * 8
	syncPoints  = 4
	minTagSize  = 4
)

var (
	ErrInvalidParams      = errors.New("kdf: invalid argon2 parameters")
	ErrInsufficientMemory = errors.New("kdf: insufficient memory for argon2 work area")
)

type block [blockLength]uint64

// allocateBlocks returns the work area and its release func. Tests replace it.
var allocateBlocks = mapBlocks

// Params are the cost settings. MemoryKiB is also the number of 1 KiB blocks.
type Params struct {
	MemoryKiB uint32
	Passes    uint32
	Lanes     uint8
}

// DefaultParams is the production configuration. It is part of the derivation
// contract: shrinking it on failure would silently change every output.
var DefaultParams = Params{
	MemoryKiB: 512 * 1024,
	Passes:    3,
	Lanes:     1,
}

func (p Params) Validate() error {
	switch {
	case p.Passes < 1:
		return fmt.Errorf("%w: passes must be at least 1", ErrInvalidParams)
	case p.Lanes < 1:
		return fmt.Errorf("%w: lanes must be at least 1", ErrInvalidParams)
	case p.MemoryKiB < 2*syncPoints*uint32(p.Lanes):
		return fmt.Errorf("%w: memory must be at least %d KiB for %d lanes", ErrInvalidParams, 2*syncPoints*uint32(p.Lanes), p.Lanes)
	}
	return nil
}

// Derive fills out with Argon2id(password, salt) under p. secret is bound as the
// K input and data as the X input; a nil or empty slice means the input is absent.
// Nothing is retried: the only runtime failure is ErrInsufficientMemory.
func Derive(out, password, salt, secret, data []byte, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(out) < minTagSize {
		return fmt.Errorf("%w: tag must be at least %d bytes", ErrInvalidParams, minTagSize)
	}
	lanes := uint32(p.Lanes)
	memory := p.MemoryKiB / (syncPoints * lanes) * (syncPoints * lanes)

	B, release, err := allocateBlocks(int(memory))
	if err != nil {
		return err
	}
	defer release()
	defer wipeBlocks(B)

	h0 := initHash(password, salt, secret, data, p, uint32(len(out)))
	defer wipeBytes(h0[:])

	initBlocks(B, &h0, memory, lanes)
	processBlocks(B, p.Passes, memory, lanes)
	extractKey(out, B, memory, lanes)
	return nil
}

func initHash(password, salt, secret, data []byte, p Params, tagLen uint32) [blake2b.Size + 8]byte {
	var (
		h0     [blake2b.Size + 8]byte
		params [24]byte
		tmp    [4]byte
	)
	b2, _ := blake2b.New512(nil)
	binary.LittleEndian.PutUint32(params[0:4], uint32(p.Lanes))
	binary.LittleEndian.PutUint32(params[4:8], tagLen)
	binary.LittleEndian.PutUint32(params[8:12], p.MemoryKiB)
	binary.LittleEndian.PutUint32(params[12:16], p.Passes)
	binary.LittleEndian.PutUint32(params[16:20], version)
	binary.LittleEndian.PutUint32(params[20:24], argon2id)
	b2.Write(params[:])
	for _, field := range [][]byte{password, salt, secret, data} {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(field)))
		b2.Write(tmp[:])
		b2.Write(field)
	}
	b2.Sum(h0[:0])
	return h0
}

func initBlocks(B []block, h0 *[blake2b.Size + 8]byte, memory, lanes uint32) {
	var raw [blockSize]byte
	defer wipeBytes(raw[:])
	laneLength := memory / lanes
	for lane := uint32(0); lane < lanes; lane++ {
		binary.LittleEndian.PutUint32(h0[blake2b.Size+4:], lane)
		for i := uint32(0); i < 2; i++ {
			binary.LittleEndian.PutUint32(h0[blake2b.Size:], i)
			hashLong(raw[:], h0[:])
			dst := &B[lane*laneLength+i]
			for j := range dst {
				dst[j] = binary.LittleEndian.Uint64(raw[j*8:])
			}
		}
	}
}

func processBlocks(B []block, passes, memory, lanes uint32) {
	laneLength := memory / lanes
	segmentLength := laneLength / syncPoints
	for pass := uint32(0); pass < passes; pass++ {
		for slice := uint32(0); slice < syncPoints; slice++ {
			for lane := uint32(0); lane < lanes; lane++ {
				s := segment{
					pass: pass, slice: slice, lane: lane,
					passes: passes, memory: memory, lanes: lanes,
					laneLength: laneLength, segmentLength: segmentLength,
				}
				s.fill(B)
			}
		}
	}
}

type segment struct {
	pass, slice, lane         uint32
	passes, memory, lanes     uint32
	laneLength, segmentLength uint32
}

// dataIndependent reports whether reference indexes come from the address
// generator (first half of the first pass) rather than from block contents.
func (s *segment) dataIndependent() bool {
	return s.pass == 0 && s.slice < syncPoints/2
}

func (s *segment) fill(B []block) {
	var addresses, input, zero block
	defer wipeBlock(&addresses)
	if s.dataIndependent() {
		input[0] = uint64(s.pass)
		input[1] = uint64(s.lane)
		input[2] = uint64(s.slice)
		input[3] = uint64(s.memory)
		input[4] = uint64(s.passes)
		input[5] = argon2id
	}

	index := uint32(0)
	if s.pass == 0 && s.slice == 0 {
		// the first two blocks of every lane come from initBlocks
		index = 2
		if s.dataIndependent() {
			nextAddresses(&addresses, &input, &zero)
		}
	}

	offset := s.lane*s.laneLength + s.slice*s.segmentLength + index
	for ; index < s.segmentLength; index, offset = index+1, offset+1 {
		prev := offset - 1
		if offset%s.laneLength == 0 {
			prev = offset + s.laneLength - 1
		}
		var random uint64
		if s.dataIndependent() {
			if index%blockLength == 0 {
				nextAddresses(&addresses, &input, &zero)
			}
			random = addresses[index%blockLength]
		} else {
			random = B[prev][0]
		}
		ref := s.referenceIndex(random, index)
		processBlock(&B[offset], &B[prev], &B[ref], s.pass != 0)
	}
}

func nextAddresses(addresses, input, zero *block) {
	input[6]++
	processBlock(addresses, input, zero, false)
	processBlock(addresses, addresses, zero, false)
}

func (s *segment) referenceIndex(random uint64, index uint32) uint32 {
	refLane := uint32(random>>32) % s.lanes
	if s.pass == 0 && s.slice == 0 {
		refLane = s.lane
	}
	sameLane := refLane == s.lane

	var area uint32
	switch {
	case s.pass == 0 && s.slice == 0:
		area = index - 1
	case s.pass == 0 && sameLane:
		area = s.slice*s.segmentLength + index - 1
	case s.pass == 0:
		area = s.slice * s.segmentLength
		if index == 0 {
			area--
		}
	case sameLane:
		area = s.laneLength - s.segmentLength + index - 1
	default:
		area = s.laneLength - s.segmentLength
		if index == 0 {
			area--
		}
	}

	x := random & 0xFFFFFFFF
	x = (x * x) >> 32
	y := (uint64(area) * x) >> 32
	relative := area - 1 - uint32(y)

	start := uint32(0)
	if s.pass != 0 && s.slice != syncPoints-1 {
		start = (s.slice + 1) * s.segmentLength
	}
	return refLane*s.laneLength + (start+relative)%s.laneLength
}

func extractKey(out []byte, B []block, memory, lanes uint32) {
	laneLength := memory / lanes
	final := B[laneLength-1]
	defer wipeBlock(&final)
	for lane := uint32(1); lane < lanes; lane++ {
		last := &B[lane*laneLength+laneLength-1]
		for i := range final {
			final[i] ^= last[i]
		}
	}

	var raw [blockSize]byte
	defer wipeBytes(raw[:])
	for i, v := range final {
		binary.LittleEndian.PutUint64(raw[i*8:], v)
	}
	hashLong(out, raw[:])
}
