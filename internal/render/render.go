// Package render turns a site key into the final password or passphrase. The
// site key seeds a ChaCha20 keystream and each 16-byte little-endian sample is
// reduced modulo the alphabet or word-list size.
package render

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"sitepass/internal/derive"
	"sitepass/internal/secret"
	"sitepass/internal/wordlist"
)

const (
	sampleSize = 16

	lowercase = "abcdefghijklmnopqrstuvwxyz"
	uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits    = "0123456789"
	symbols   = "!#$%&'()*+,-./:;<=>?@[]^_`{}~"
)

var (
	passwordNonce   = [chacha20.NonceSize]byte{'s', 'i', 't', 'e', 'p', 'a', 's', 's', '.', 'p', 'w', 'd'}
	passphraseNonce = [chacha20.NonceSize]byte{'s', 'i', 't', 'e', 'p', 'a', 's', 's', '.', 'p', 'h', 'r'}
)

var ErrOutputTooSmall = errors.New("output buffer too small")

// Capacity is the number of bytes dst must hold to render shape.
func Capacity(shape derive.Shape) int {
	if shape.Mode == derive.ModePassphrase {
		n := int(shape.Length)
		return n*wordlist.LongestWord() + (n - 1) + 1
	}
	return int(shape.Length)
}

// Render dispatches on the shape's mode. The shape is validated first.
func Render(dst *secret.Buffer, siteKey []byte, shape derive.Shape) error {
	if err := shape.Validate(); err != nil {
		return err
	}
	if shape.Mode == derive.ModePassphrase {
		return Passphrase(dst, siteKey, int(shape.Length), shape.Classes)
	}
	return Password(dst, siteKey, int(shape.Length), shape.Classes)
}

// Alphabet concatenates the requested classes in their canonical order.
func Alphabet(classes derive.Classes) string {
	var out string
	if classes.Has(derive.Lowercase) {
		out += lowercase
	}
	if classes.Has(derive.Uppercase) {
		out += uppercase
	}
	if classes.Has(derive.Digits) {
		out += digits
	}
	if classes.Has(derive.Symbols) {
		out += symbols
	}
	return out
}

// Password appends length characters drawn from the requested classes. It does
// not guarantee that every class appears.
func Password(dst *secret.Buffer, siteKey []byte, length int, classes derive.Classes) error {
	alphabet := Alphabet(classes)
	if alphabet == "" {
		return fmt.Errorf("%w: no character classes", derive.ErrInvalidShape)
	}
	if length < 1 || length > derive.MaxLength {
		return fmt.Errorf("%w: password length %d", derive.ErrInvalidShape, length)
	}
	if dst.Cap()-dst.Len() < length {
		return fmt.Errorf("%w: need %d bytes", ErrOutputTooSmall, length)
	}

	ks, err := keystream(siteKey, passwordNonce, length)
	if err != nil {
		return err
	}
	defer ks.Destroy()

	stream := ks.Bytes()
	for i := 0; i < length; i++ {
		c := alphabet[wordlist.Index(stream[i*sampleSize:], len(alphabet))]
		if err := dst.AppendByte(c); err != nil {
			return err
		}
	}
	return nil
}

// Passphrase appends count words. Uppercase capitalises each word, Digits puts
// one digit after a keystream-chosen word and Symbols switches the separator
// from a space to a hyphen. Lowercase has no meaning here and is rejected.
func Passphrase(dst *secret.Buffer, siteKey []byte, count int, classes derive.Classes) error {
	if classes.Has(derive.Lowercase) {
		return fmt.Errorf("%w: the lowercase class cannot be used for a passphrase", derive.ErrInvalidShape)
	}
	if count < 1 || count > derive.MaxWords {
		return fmt.Errorf("%w: passphrase word count %d", derive.ErrInvalidShape, count)
	}
	need := Capacity(derive.Shape{Length: uint32(count), Mode: derive.ModePassphrase})
	if dst.Cap()-dst.Len() < need {
		return fmt.Errorf("%w: need %d bytes", ErrOutputTooSmall, need)
	}

	offset := 0
	if classes.Has(derive.Digits) {
		offset = 2
	}
	ks, err := keystream(siteKey, passphraseNonce, count+offset)
	if err != nil {
		return err
	}
	defer ks.Destroy()
	stream := ks.Bytes()

	digit, digitAt := byte(0), -1
	if offset > 0 {
		digit = digits[wordlist.Index(stream[0:], len(digits))]
		digitAt = wordlist.Index(stream[sampleSize:], count)
	}
	sep := byte(' ')
	if classes.Has(derive.Symbols) {
		sep = '-'
	}

	words := wordlist.Words()
	for i := 0; i < count; i++ {
		word := words[wordlist.Index(stream[(i+offset)*sampleSize:], len(words))]
		for j := 0; j < len(word); j++ {
			c := word[j]
			if j == 0 && classes.Has(derive.Uppercase) {
				c -= 'a' - 'A'
			}
			if err := dst.AppendByte(c); err != nil {
				return err
			}
		}
		if i == digitAt {
			if err := dst.AppendByte(digit); err != nil {
				return err
			}
		}
		if i != count-1 {
			if err := dst.AppendByte(sep); err != nil {
				return err
			}
		}
	}
	return nil
}

func keystream(siteKey []byte, nonce [chacha20.NonceSize]byte, samples int) (*secret.Buffer, error) {
	if len(siteKey) != derive.KeySize {
		return nil, fmt.Errorf("%w: site key must be %d bytes, got %d", derive.ErrKeySize, derive.KeySize, len(siteKey))
	}
	c, err := chacha20.NewUnauthenticatedCipher(siteKey, nonce[:])
	if err != nil {
		return nil, err
	}
	ks := secret.NewFull(samples * sampleSize)
	c.XORKeyStream(ks.Bytes(), ks.Bytes())
	return ks, nil
}
