// Package wordlist exposes the fixed, ordered word list used for passphrases and
// the typing fingerprint. Index stability across runs is part of the output contract.
package wordlist

import (
	"encoding/binary"
	"math/bits"
	"strings"

	"github.com/tyler-smith/go-bip39/wordlists"
	"golang.org/x/crypto/blake2b"

	"sitepass/internal/secret"
)

const (
	fingerprintTag   = "sitepass.fingerprint"
	fingerprintWords = 4
	sampleSize       = 16
)

// Words returns the BIP-39 English list. Callers must not modify it.
func Words() []string {
	return wordlists.English
}

func Len() int {
	return len(wordlists.English)
}

// LongestWord is used to size passphrase buffers.
func LongestWord() int {
	longest := 0
	for _, w := range wordlists.English {
		longest = max(longest, len(w))
	}
	return longest
}

// Pick reduces a 16-byte little-endian sample modulo the list length.
func Pick(sample []byte) string {
	return wordlists.English[Index(sample, len(wordlists.English))]
}

// Index interprets sample as a little-endian 128-bit integer and reduces it
// modulo n. The slight modulo bias is part of the output contract.
func Index(sample []byte, n int) int {
	lo := binary.LittleEndian.Uint64(sample[0:8])
	hi := binary.LittleEndian.Uint64(sample[8:16])
	return int(bits.Rem64(hi, lo, uint64(n)))
}

// Fingerprint renders four words from a hash of the password typed so far so a
// user can notice a typo before the slow derivation starts. It never touches the
// buffers used for derivation.
func Fingerprint(password []byte) string {
	var sum [blake2b.Size]byte
	defer secret.Wipe(sum[:])
	h, _ := blake2b.New512(nil)
	h.Write([]byte(fingerprintTag))
	h.Write(password)
	h.Sum(sum[:0])

	words := make([]string, fingerprintWords)
	for i := range words {
		words[i] = Pick(sum[i*sampleSize : (i+1)*sampleSize])
	}
	return strings.Join(words, "-")
}
