// Package generator runs the whole derivation for one request: salt, pepper,
// master key, site key and rendered output. Every intermediate secret lives in
// one secret.Scope, so it is wiped on every return path.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"sitepass/internal/derive"
	"sitepass/internal/kdf"
	"sitepass/internal/pepper"
	"sitepass/internal/render"
	"sitepass/internal/secret"
)

const (
	MaxPasswordChars = 128
	MaxPasswordBytes = MaxPasswordChars * utf8.UTFMax
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrPasswordTooLong = errors.New("master password too long")
)

type Stage int

const (
	StageSalt Stage = iota
	StagePepper
	StageMasterKey
	StageSiteKey
	StageRender
)

func (s Stage) String() string {
	switch s {
	case StageSalt:
		return "salt"
	case StagePepper:
		return "pepper"
	case StageMasterKey:
		return "master_key"
	case StageSiteKey:
		return "site_key"
	case StageRender:
		return "render"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Observer is told before each stage starts. A non-nil error aborts the run;
// everything derived so far is wiped before Generate returns it.
type Observer func(Stage) error

// Request is one derivation. Generate takes ownership of Password and destroys
// it as soon as the master key exists.
type Request struct {
	Identity []byte
	Password *secret.Buffer
	Domain   string
	Counter  uint32
	Shape    derive.Shape
	Pepper   pepper.Provider
}

// Validate runs every check that needs no secret work, so configuration errors
// surface before anything is derived.
func (r Request) Validate() error {
	if len(r.Identity) == 0 {
		return fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	}
	if r.Password.Len() == 0 {
		return fmt.Errorf("%w: master password is empty", ErrInvalidRequest)
	}
	if err := CheckPassword(r.Password.Bytes()); err != nil {
		return err
	}
	canonical, err := derive.CanonicalDomain(r.Domain)
	if err != nil {
		return err
	}
	if canonical != r.Domain {
		return fmt.Errorf("%w: domain %q is not canonical, want %q", ErrInvalidRequest, r.Domain, canonical)
	}
	if r.Counter < 1 {
		return fmt.Errorf("%w: counter must be at least 1", ErrInvalidRequest)
	}
	return r.Shape.Validate()
}

// CheckPassword enforces the character and byte limits before any hashing.
func CheckPassword(p []byte) error {
	if len(p) > MaxPasswordBytes {
		return fmt.Errorf("%w: more than %d bytes", ErrPasswordTooLong, MaxPasswordBytes)
	}
	if !utf8.Valid(p) {
		return fmt.Errorf("%w: master password is not valid UTF-8", ErrInvalidRequest)
	}
	if n := utf8.RuneCount(p); n > MaxPasswordChars {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrPasswordTooLong, n, MaxPasswordChars)
	}
	return nil
}

type Generator struct {
	params  kdf.Params
	logger  *slog.Logger
	observe Observer

	// stretch is derive.MasterKey outside tests.
	stretch func(out, password, salt, pepper []byte, p kdf.Params) error
	// trace sees each derived buffer right after it is filled.
	trace func(Stage, *secret.Buffer)
}

type Option func(*Generator)

func WithObserver(o Observer) Option {
	return func(g *Generator) { g.observe = o }
}

// WithParams replaces the Argon2id cost. Anything but kdf.DefaultParams yields
// outputs that do not match a default installation.
func WithParams(p kdf.Params) Option {
	return func(g *Generator) { g.params = p }
}

func New(logger *slog.Logger, opts ...Option) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{params: kdf.DefaultParams, logger: logger, stretch: derive.MasterKey}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the rendered password or passphrase in a buffer the caller
// must Destroy. On error nothing secret survives, including req.Password.
func (g *Generator) Generate(ctx context.Context, req Request) (*secret.Buffer, error) {
	var scope secret.Scope
	defer scope.Close()
	scope.Adopt(req.Password)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	provider := req.Pepper
	if provider == nil {
		provider = pepper.None{}
	}
	site := derive.Site{Domain: req.Domain, Counter: req.Counter, Shape: req.Shape}
	g.logger.Info("derive.start",
		"domain", site.Domain,
		"counter", site.Counter,
		"mode", site.Shape.Mode.String(),
		"classes", site.Shape.Classes.String(),
		"second_factor", provider.Name(),
	)

	if err := g.enter(ctx, StageSalt); err != nil {
		return nil, err
	}
	salt := scope.NewFull(derive.SaltSize)
	if err := derive.Salt(salt.Bytes(), req.Identity); err != nil {
		return nil, err
	}
	g.traced(StageSalt, salt)

	if err := g.enter(ctx, StagePepper); err != nil {
		return nil, err
	}
	pep, err := provider.Pepper(ctx, pepper.Binding{Salt: salt.Bytes(), Site: site})
	scope.Adopt(pep)
	if err != nil {
		return nil, err
	}
	g.traced(StagePepper, pep)

	// Last chance to cancel: the stretch itself cannot be interrupted.
	if err := g.enter(ctx, StageMasterKey); err != nil {
		return nil, err
	}
	master := scope.NewFull(derive.KeySize)
	started := time.Now()
	if err := g.stretch(master.Bytes(), req.Password.Bytes(), salt.Bytes(), pep.Bytes(), g.params); err != nil {
		return nil, err
	}
	g.logger.Debug("derive.master_key", "elapsed", time.Since(started).Round(time.Millisecond), "memory_kib", g.params.MemoryKiB)
	scope.Release(req.Password)
	scope.Release(pep)
	scope.Release(salt)
	g.traced(StageMasterKey, master)

	if err := g.enter(ctx, StageSiteKey); err != nil {
		return nil, err
	}
	siteKey := scope.NewFull(derive.KeySize)
	if err := derive.SiteKey(siteKey.Bytes(), master.Bytes(), site); err != nil {
		return nil, err
	}
	scope.Release(master)
	g.traced(StageSiteKey, siteKey)

	if err := g.enter(ctx, StageRender); err != nil {
		return nil, err
	}
	out := secret.New(render.Capacity(site.Shape))
	if err := render.Render(out, siteKey.Bytes(), site.Shape); err != nil {
		out.Destroy()
		return nil, err
	}
	g.logger.Info("derive.done", "domain", site.Domain, "length", site.Shape.Length)
	return out, nil
}

func (g *Generator) enter(ctx context.Context, s Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.observe != nil {
		if err := g.observe(s); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	return nil
}

func (g *Generator) traced(s Stage, b *secret.Buffer) {
	if g.trace != nil {
		g.trace(s, b)
	}
}
