package derive

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Classes is the set of requested character classes. The bit values are an
// in-memory detail; the hashed encoding is fixed by Shape.Encode.
type Classes uint8

const (
	Lowercase Classes = 1 << iota
	Uppercase
	Digits
	Symbols

	AllClasses = Lowercase | Uppercase | Digits | Symbols
)

func (c Classes) Has(o Classes) bool { return c&o == o }

func (c Classes) String() string {
	if c == 0 {
		return "none"
	}
	out := make([]byte, 0, 4)
	for _, f := range []struct {
		class Classes
		code  byte
	}{{Lowercase, 'a'}, {Uppercase, 'u'}, {Digits, 'n'}, {Symbols, 's'}} {
		if c.Has(f.class) {
			out = append(out, f.code)
		}
	}
	return string(out)
}

type Mode uint8

const (
	ModePassword Mode = iota
	ModePassphrase
)

func (m Mode) String() string {
	if m == ModePassphrase {
		return "passphrase"
	}
	return "password"
}

const (
	ShapeSize   = 4 + 5
	CounterSize = 4

	DefaultLength = 20
	MaxLength     = 128
	DefaultWords  = 8
	MaxWords      = 32
)

var ErrInvalidShape = errors.New("invalid output shape")

// Shape is the requested output: its length (characters or words), character
// classes and mode.
type Shape struct {
	Length  uint32
	Classes Classes
	Mode    Mode
}

func (s Shape) Validate() error {
	switch s.Mode {
	case ModePassword:
		if s.Length < 1 || s.Length > MaxLength {
			return fmt.Errorf("%w: password length must be between 1 and %d", ErrInvalidShape, MaxLength)
		}
		if s.Classes&AllClasses == 0 {
			return fmt.Errorf("%w: at least one character class is required", ErrInvalidShape)
		}
	case ModePassphrase:
		if s.Length < 1 || s.Length > MaxWords {
			return fmt.Errorf("%w: passphrase word count must be between 1 and %d", ErrInvalidShape, MaxWords)
		}
		if s.Classes.Has(Lowercase) {
			return fmt.Errorf("%w: the lowercase class cannot be used for a passphrase", ErrInvalidShape)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidShape, s.Mode)
	}
	if s.Classes&^AllClasses != 0 {
		return fmt.Errorf("%w: unknown class bits %#x", ErrInvalidShape, uint8(s.Classes&^AllClasses))
	}
	return nil
}

// Encode is LE32(length) followed by one 0/1 byte each for lowercase,
// uppercase, digits, symbols and passphrase mode. The order is protocol.
func (s Shape) Encode() [ShapeSize]byte {
	var out [ShapeSize]byte
	binary.LittleEndian.PutUint32(out[0:4], s.Length)
	out[4] = flag(s.Classes.Has(Lowercase))
	out[5] = flag(s.Classes.Has(Uppercase))
	out[6] = flag(s.Classes.Has(Digits))
	out[7] = flag(s.Classes.Has(Symbols))
	out[8] = flag(s.Mode == ModePassphrase)
	return out
}

func EncodeCounter(counter uint32) [CounterSize]byte {
	var out [CounterSize]byte
	binary.LittleEndian.PutUint32(out[:], counter)
	return out
}

func flag(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}
