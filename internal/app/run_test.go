package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepass/internal/config"
	"sitepass/internal/derive"
	"sitepass/internal/generator"
	"sitepass/internal/kdf"
	"sitepass/internal/pepper"
	"sitepass/internal/secret"
	"sitepass/internal/testutil/fsperm"
	"sitepass/internal/yubikey"
)

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }
func u32Ptr(v uint32) *uint32 { return &v }

func baseOptions() Options {
	return Options{
		Identity: "alice@example.com",
		Domain:   "https://Example.com/login",
		Password: strPtr("correct horse battery staple"),
	}
}

type fakeToken struct {
	response  []byte
	err       error
	touched   func()
	slot      int
	configure int
	status    yubikey.SlotStatus
	codes     yubikey.AccessCodes
	configErr error
}

func (f *fakeToken) ChallengeResponse(context.Context, []byte) (*secret.Buffer, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.touched != nil {
		f.touched()
	}
	b := secret.NewFull(len(f.response))
	copy(b.Bytes(), f.response)
	return b, nil
}

func (f *fakeToken) Status(context.Context) (yubikey.SlotStatus, error) {
	return f.status, nil
}

func (f *fakeToken) Configure(_ context.Context, slot int, codes yubikey.AccessCodes) (*secret.Buffer, error) {
	f.configure = slot
	f.codes = yubikey.AccessCodes{
		Current: append([]byte(nil), codes.Current...),
		New:     append([]byte(nil), codes.New...),
	}
	if f.configErr != nil {
		return nil, f.configErr
	}
	b := secret.NewFull(yubikey.HMACKeySize)
	b.Bytes()[0] = 0xab
	return b, nil
}

func testApp(t *testing.T, tok *fakeToken) (*App, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.Stdout, a.Stderr = &stdout, &stderr
	a.GeneratorOptions = []generator.Option{generator.WithParams(kdf.Params{MemoryKiB: 64, Passes: 3, Lanes: 1})}
	if tok != nil {
		a.Token = func(slot int, onTouch func()) TokenDevice {
			tok.slot, tok.touched = slot, onTouch
			return tok
		}
	}
	return a, &stdout, &stderr
}

// wrapsTo returns an int that truncates to n when converted to uint32.
func wrapsTo(n int) int {
	base := uint64(1) << 32
	return int(base + uint64(n))
}

func framed(s string) string {
	return "\n" + beginFrame + "\n" + s + "\n" + endFrame + "\n"
}

func TestResolveDefaults(t *testing.T) {
	plan, err := baseOptions().Resolve(config.Default())
	require.NoError(t, err)
	assert.Equal(t, ModeDerive, plan.Mode)
	assert.Equal(t, "example.com", plan.Domain)
	assert.Equal(t, uint32(1), plan.Counter)
	assert.Equal(t, derive.Shape{Length: 20, Classes: derive.AllClasses}, plan.Shape)

	opts := baseOptions()
	opts.Words = true
	plan, err = opts.Resolve(config.Default())
	require.NoError(t, err)
	assert.Equal(t, derive.Shape{Length: 8, Mode: derive.ModePassphrase}, plan.Shape)

	cfg := config.Default()
	cfg.Counter, cfg.Length = 4, 32
	opts = baseOptions()
	opts.Counter = u32Ptr(2)
	plan, err = opts.Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), plan.Counter)
	assert.Equal(t, uint32(32), plan.Shape.Length)
}

func TestResolveRejectsBadCombinations(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "key")
	fsperm.WriteFile(t, keyfile, []byte("k"), 0o600)
	big := filepath.Join(dir, "big")
	fsperm.WriteFile(t, big, bytes.Repeat([]byte("x"), generator.MaxPasswordBytes+1), 0o600)
	empty := filepath.Join(dir, "empty")
	fsperm.WriteFile(t, empty, nil, 0o600)

	cases := map[string]struct {
		mutate func(*Options)
		want   Kind
	}{
		"no identity":         {func(o *Options) { o.Identity = " " }, KindConfig},
		"no domain":           {func(o *Options) { o.Domain = "" }, KindConfig},
		"bad domain":          {func(o *Options) { o.Domain = "exa mple.com" }, KindConfig},
		"password and file":   {func(o *Options) { o.PasswordFile = keyfile }, KindConfig},
		"long password":       {func(o *Options) { o.Password = strPtr(strings.Repeat("p", 129)) }, KindInputLength},
		"big password file":   {func(o *Options) { o.Password, o.PasswordFile = nil, big }, KindInputLength},
		"empty file":          {func(o *Options) { o.Password, o.PasswordFile = nil, empty }, KindConfig},
		"missing file":        {func(o *Options) { o.Password, o.PasswordFile = nil, filepath.Join(dir, "nope") }, KindConfig},
		"keyfile and token":   {func(o *Options) { o.Keyfile, o.YubiKey = keyfile, true }, KindConfig},
		"empty keyfile":       {func(o *Options) { o.Keyfile = empty }, KindConfig},
		"bad token slot":      {func(o *Options) { o.YubiKey, o.YubiKeySlot = true, 3 }, KindConfig},
		"zero counter":        {func(o *Options) { o.Counter = u32Ptr(0) }, KindConfig},
		"zero length":         {func(o *Options) { o.Length = intPtr(0) }, KindConfig},
		"long password mode":  {func(o *Options) { o.Length = intPtr(129) }, KindConfig},
		"too many words":      {func(o *Options) { o.Words, o.Length = true, intPtr(33) }, KindConfig},
		"wrapping length":     {func(o *Options) { o.Length = intPtr(wrapsTo(20)) }, KindConfig},
		"wrapping word count": {func(o *Options) { o.Words, o.Length = true, intPtr(wrapsTo(8)) }, KindConfig},
		"lowercase words":     {func(o *Options) { o.Words, o.Lowercase = true, true }, KindConfig},
		"generate plus more":  {func(o *Options) { o.GenerateKeyfile = filepath.Join(dir, "new") }, KindConfig},
		"configure plus more": {func(o *Options) { o.ConfigureSlot = 2 }, KindConfig},
	}
	for name, tc := range cases {
		opts := baseOptions()
		tc.mutate(&opts)
		_, err := opts.Resolve(config.Default())
		require.Error(t, err, name)
		assert.Equal(t, tc.want, KindOf(err), "%s: %v", name, err)
	}
}

func TestResolveSecondFactorPrecedence(t *testing.T) {
	keyfile := filepath.Join(t.TempDir(), "key")
	fsperm.WriteFile(t, keyfile, []byte("k"), 0o600)

	cfg := config.Default()
	cfg.Keyfile = keyfile
	opts := baseOptions()
	opts.YubiKey = true
	plan, err := opts.Resolve(cfg)
	require.NoError(t, err)
	assert.True(t, plan.YubiKey)
	assert.Empty(t, plan.Keyfile)

	cfg.YubiKey = true
	_, err = baseOptions().Resolve(cfg)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestRunPrintsFramedPassword(t *testing.T) {
	a, stdout, stderr := testApp(t, nil)
	require.NoError(t, a.Run(context.Background(), baseOptions()))
	assert.Equal(t, framed("kJ!JLYp%):Ac~AxP/;I>"), stdout.String())
	assert.Contains(t, stderr.String(), "Deriving keys")
}

func TestRunPassphrase(t *testing.T) {
	a, stdout, _ := testApp(t, nil)
	opts := baseOptions()
	opts.Words, opts.Uppercase, opts.Digits, opts.Symbols = true, true, true, true
	require.NoError(t, a.Run(context.Background(), opts))
	assert.Equal(t, framed("Earth7-Depart-Harbor-Chunk-Thing-Interest-City-Raccoon"), stdout.String())
}

func TestRunPasswordFileIsTakenVerbatim(t *testing.T) {
	dir := t.TempDir()
	exact := filepath.Join(dir, "exact")
	fsperm.WriteFile(t, exact, []byte("correct horse battery staple"), 0o600)
	withNewline := filepath.Join(dir, "newline")
	fsperm.WriteFile(t, withNewline, []byte("correct horse battery staple\n"), 0o600)

	a, stdout, _ := testApp(t, nil)
	opts := baseOptions()
	opts.Password, opts.PasswordFile = nil, exact
	require.NoError(t, a.Run(context.Background(), opts))
	assert.Equal(t, framed("kJ!JLYp%):Ac~AxP/;I>"), stdout.String())

	stdout.Reset()
	opts.PasswordFile = withNewline
	require.NoError(t, a.Run(context.Background(), opts))
	assert.NotEqual(t, framed("kJ!JLYp%):Ac~AxP/;I>"), stdout.String())
}

func TestRunWithKeyfileChangesOutput(t *testing.T) {
	keyfile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, pepper.GenerateKeyfile(keyfile))

	a, stdout, _ := testApp(t, nil)
	opts := baseOptions()
	opts.Keyfile = keyfile
	require.NoError(t, a.Run(context.Background(), opts))
	first := stdout.String()
	assert.NotEqual(t, framed("kJ!JLYp%):Ac~AxP/;I>"), first)

	stdout.Reset()
	require.NoError(t, a.Run(context.Background(), opts))
	assert.Equal(t, first, stdout.String())
}

func TestRunWithToken(t *testing.T) {
	tok := &fakeToken{response: bytes.Repeat([]byte{7}, 20)}
	a, stdout, stderr := testApp(t, tok)
	opts := baseOptions()
	opts.YubiKey, opts.YubiKeySlot = true, 1
	require.NoError(t, a.Run(context.Background(), opts))

	assert.Equal(t, 1, tok.slot)
	assert.NotEqual(t, framed("kJ!JLYp%):Ac~AxP/;I>"), stdout.String())
	assert.Contains(t, stderr.String(), "challenge-response")
	assert.Contains(t, stderr.String(), "Touch your hardware token")
}

func TestRunTokenFailureIsTokenKind(t *testing.T) {
	a, stdout, _ := testApp(t, &fakeToken{err: yubikey.ErrNoDevice})
	opts := baseOptions()
	opts.YubiKey = true
	err := a.Run(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, KindToken, KindOf(err))
	assert.Equal(t, ExitToken, KindOf(err).ExitCode())
	assert.Empty(t, stdout.String())
}

func TestRunGenerateKeyfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.key")
	a, stdout, stderr := testApp(t, nil)
	require.NoError(t, a.Run(context.Background(), Options{GenerateKeyfile: path}))
	fsperm.AssertReadOnlyFile(t, path)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), path)

	err := a.Run(context.Background(), Options{GenerateKeyfile: path})
	assert.True(t, errors.Is(err, pepper.ErrKeyfileExists))
	assert.Equal(t, ExitConfig, KindOf(err).ExitCode())

	err = a.Run(context.Background(), Options{GenerateKeyfile: filepath.Dir(path)})
	assert.True(t, errors.Is(err, ErrUsage))
}

func TestRunConfigureSlot(t *testing.T) {
	tok := &fakeToken{status: yubikey.SlotStatus{Slot2: true}}
	a, stdout, stderr := testApp(t, tok)
	a.Stdin = strings.NewReader("\n\n")
	require.NoError(t, a.Run(context.Background(), Options{ConfigureSlot: 2}))
	assert.Equal(t, 2, tok.configure)
	assert.Empty(t, tok.codes.Current)
	assert.Empty(t, tok.codes.New)
	assert.Equal(t, "ab"+strings.Repeat("00", yubikey.HMACKeySize-1)+"\n", stdout.String())
	assert.Contains(t, stderr.String(), "Slot 2 is already configured.")
	assert.NotContains(t, stderr.String(), "Slot 1 is already configured.")

	err := a.Run(context.Background(), Options{ConfigureSlot: 5})
	assert.True(t, errors.Is(err, ErrUsage))
}

func TestRunConfigureSlotReadsAccessCodes(t *testing.T) {
	tok := &fakeToken{}
	a, _, stderr := testApp(t, tok)
	a.Stdin = strings.NewReader("old1\nnew2\n")
	require.NoError(t, a.Run(context.Background(), Options{ConfigureSlot: 1}))
	assert.Equal(t, []byte("old1"), tok.codes.Current)
	assert.Equal(t, []byte("new2"), tok.codes.New)
	assert.Contains(t, stderr.String(), "Neither slot is configured.")

	tok = &fakeToken{configErr: yubikey.ErrAccessCode}
	a, stdout, _ := testApp(t, tok)
	a.Stdin = strings.NewReader("wrong\n\n")
	err := a.Run(context.Background(), Options{ConfigureSlot: 1})
	assert.Equal(t, KindToken, KindOf(err))
	assert.Empty(t, stdout.String())

	a, _, _ = testApp(t, &fakeToken{})
	a.Stdin = strings.NewReader("1234567\n")
	err = a.Run(context.Background(), Options{ConfigureSlot: 1})
	assert.True(t, errors.Is(err, yubikey.ErrAccessCode), "got %v", err)
}

func TestKindExitCodes(t *testing.T) {
	assert.Equal(t, ExitConfig, KindOf(errors.New("anything")).ExitCode())
	assert.Equal(t, ExitResource, KindOf(kdf.ErrInsufficientMemory).ExitCode())
	assert.Equal(t, ExitInputLength, KindOf(generator.ErrPasswordTooLong).ExitCode())
	assert.Equal(t, ExitInterrupted, KindOf(context.Canceled).ExitCode())
	assert.Equal(t, ExitToken, KindOf(pepper.ErrToken).ExitCode())

	assert.Equal(t, ExitInputLength, KindOf(fmt.Errorf("prompt: %w", generator.ErrPasswordTooLong)).ExitCode())

	cancelled := fmt.Errorf("%w: %w", pepper.ErrToken, context.Canceled)
	assert.Equal(t, KindInterrupted, KindOf(cancelled))
}

func TestReadPasswordFileRejectsGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("a"), generator.MaxPasswordBytes+3), 0o600))
	_, err := readPasswordFile(path)
	assert.True(t, errors.Is(err, generator.ErrPasswordTooLong))
}
