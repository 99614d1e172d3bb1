// Package pepper supplies the optional second factor mixed into the master key.
// A provider always returns either an empty buffer (no second factor) or exactly
// derive.PepperSize bytes; the caller owns and destroys the returned buffer.
package pepper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/blake2b"

	"sitepass/internal/derive"
	"sitepass/internal/secret"
	"sitepass/internal/yubikey"
)

const (
	responseTag = "sitepass.response"
	readChunk   = 4096
)

var (
	ErrKeyfile = errors.New("keyfile unusable")
	ErrToken   = errors.New("hardware token failed")
)

// Binding is what a provider may bind its pepper to. Only the token provider
// uses it today.
type Binding struct {
	Salt []byte
	Site derive.Site
}

type Provider interface {
	Pepper(ctx context.Context, b Binding) (*secret.Buffer, error)
	Name() string
}

// None is the absent second factor. Its empty pepper is not the same as 32
// zero bytes.
type None struct{}

func (None) Pepper(context.Context, Binding) (*secret.Buffer, error) {
	return secret.New(0), nil
}

func (None) Name() string { return "none" }

// Keyfile hashes the whole file with unkeyed BLAKE2b-256.
type Keyfile struct {
	Path string
}

func (k Keyfile) Name() string { return "keyfile" }

func (k Keyfile) Pepper(ctx context.Context, _ Binding) (*secret.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(k.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyfile, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyfile, err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrKeyfile, k.Path)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	chunk := secret.NewFull(readChunk)
	defer chunk.Destroy()

	total := 0
	for {
		n, err := f.Read(chunk.Bytes())
		if n > 0 {
			h.Write(chunk.Bytes()[:n])
			total += n
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrKeyfile, k.Path, err)
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrKeyfile, k.Path)
	}

	out := secret.New(derive.PepperSize)
	h.Sum(out.Spare()[:0])
	_ = out.SetLen(derive.PepperSize)
	return out, nil
}

// Token sends a site-bound challenge to the hardware token and folds the
// response into a pepper with BLAKE2b-256 keyed by the response.
type Token struct {
	Transport yubikey.Transport
	Logger    *slog.Logger
}

func (t Token) Name() string { return "yubikey" }

func (t Token) Pepper(ctx context.Context, b Binding) (*secret.Buffer, error) {
	var scope secret.Scope
	defer scope.Close()

	challenge := scope.NewFull(yubikey.MaxChallenge)
	if err := derive.Challenge(challenge.Bytes()[:derive.KeySize], b.Salt, b.Site); err != nil {
		return nil, err
	}

	if t.Logger != nil {
		t.Logger.Debug("pepper.challenge_sent", "domain", b.Site.Domain, "counter", b.Site.Counter)
	}
	resp, err := t.Transport.ChallengeResponse(ctx, challenge.Bytes())
	scope.Adopt(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToken, err)
	}
	return ResponsePepper(resp.Bytes())
}

// ResponsePepper is BLAKE2b-256 keyed by the token response over responseTag.
func ResponsePepper(response []byte) (*secret.Buffer, error) {
	if len(response) == 0 || len(response) > blake2b.Size {
		return nil, fmt.Errorf("%w: response length %d", ErrToken, len(response))
	}
	h, err := blake2b.New256(response)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(responseTag))
	out := secret.New(derive.PepperSize)
	h.Sum(out.Spare()[:0])
	_ = out.SetLen(derive.PepperSize)
	return out, nil
}
