// Package derive holds the key-derivation chain: identity to salt, password and
// pepper to master key, and master key plus site binding to site key. Every
// function writes into a caller-owned buffer so the caller decides when it is wiped.
package derive

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"sitepass/internal/kdf"
)

const (
	KeySize    = 32
	SaltSize   = 32
	PepperSize = 32

	saltTag      = "sitepass.salt"
	siteKeyTag   = "sitepass.sitekey"
	challengeTag = "sitepass.challenge"
)

var ErrKeySize = errors.New("derived key buffer has the wrong size")

// Site binds a derivation to one domain, counter and output shape.
type Site struct {
	Domain  string
	Counter uint32
	Shape   Shape
}

// Salt writes BLAKE2b-256(saltTag || identity) into out.
func Salt(out, identity []byte) error {
	if len(out) != SaltSize {
		return fmt.Errorf("%w: salt needs %d bytes, got %d", ErrKeySize, SaltSize, len(out))
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	h.Write([]byte(saltTag))
	h.Write(identity)
	h.Sum(out[:0])
	return nil
}

// MasterKey stretches password with Argon2id. A 32-byte pepper is bound as the
// Argon2 secret input; an empty pepper means no secret input at all, which is
// not the same derivation as a pepper of 32 zero bytes.
func MasterKey(out, password, salt, pepper []byte, params kdf.Params) error {
	if len(out) != KeySize {
		return fmt.Errorf("%w: master key needs %d bytes, got %d", ErrKeySize, KeySize, len(out))
	}
	if len(salt) != SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes, got %d", ErrKeySize, SaltSize, len(salt))
	}
	if len(pepper) != 0 && len(pepper) != PepperSize {
		return fmt.Errorf("%w: pepper must be empty or %d bytes, got %d", ErrKeySize, PepperSize, len(pepper))
	}
	return kdf.Derive(out, password, salt, pepper, nil, params)
}

// SiteKey writes BLAKE2b-256 keyed by the master key over
// siteKeyTag || LE32(counter) || shape || domain.
func SiteKey(out, masterKey []byte, site Site) error {
	if len(out) != KeySize {
		return fmt.Errorf("%w: site key needs %d bytes, got %d", ErrKeySize, KeySize, len(out))
	}
	if len(masterKey) != KeySize {
		return fmt.Errorf("%w: master key must be %d bytes, got %d", ErrKeySize, KeySize, len(masterKey))
	}
	return bindSite(out, masterKey, siteKeyTag, site)
}

// Challenge builds the hardware-token challenge for site. It is keyed by the
// salt because the master key depends on the token response.
func Challenge(out, salt []byte, site Site) error {
	if len(out) != KeySize {
		return fmt.Errorf("%w: challenge needs %d bytes, got %d", ErrKeySize, KeySize, len(out))
	}
	if len(salt) != SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes, got %d", ErrKeySize, SaltSize, len(salt))
	}
	return bindSite(out, salt, challengeTag, site)
}

func bindSite(out, key []byte, tag string, site Site) error {
	h, err := blake2b.New256(key)
	if err != nil {
		return err
	}
	counter := EncodeCounter(site.Counter)
	shape := site.Shape.Encode()
	h.Write([]byte(tag))
	h.Write(counter[:])
	h.Write(shape[:])
	h.Write([]byte(site.Domain))
	h.Sum(out[:0])
	return nil
}
