package pepper

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepass/internal/derive"
	"sitepass/internal/secret"
	"sitepass/internal/testutil/fsperm"
	"sitepass/internal/yubikey"
)

func TestNoneIsEmptyNotZero(t *testing.T) {
	p, err := None{}.Pepper(context.Background(), Binding{})
	require.NoError(t, err)
	defer p.Destroy()
	assert.Zero(t, p.Len())
	assert.Zero(t, p.Cap())
}

func TestKeyfileVector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	fsperm.WriteFile(t, path, []byte("keyfile contents\n"), 0o600)

	p, err := Keyfile{Path: path}.Pepper(context.Background(), Binding{})
	require.NoError(t, err)
	defer p.Destroy()
	assert.Equal(t, "86118dc332d738fde33b17a74483c9ceea2f5388dc32d6fea5f2ef88e902c05a", hex.EncodeToString(p.Bytes()))
}

func TestKeyfileStreamsLargeFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	data := make([]byte, 3*readChunk+17)
	for i := range data {
		data[i] = byte(i * 7)
	}
	fsperm.WriteFile(t, path, data, 0o600)

	p, err := Keyfile{Path: path}.Pepper(context.Background(), Binding{})
	require.NoError(t, err)
	defer p.Destroy()
	assert.Equal(t, derive.PepperSize, p.Len())

	data[len(data)-1] ^= 1
	fsperm.WriteFile(t, path, data, 0o600)
	q, err := Keyfile{Path: path}.Pepper(context.Background(), Binding{})
	require.NoError(t, err)
	defer q.Destroy()
	assert.NotEqual(t, p.Bytes(), q.Bytes())
}

func TestKeyfileFailuresAreFatal(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	fsperm.WriteFile(t, empty, nil, 0o600)

	for _, path := range []string{filepath.Join(dir, "missing"), empty, dir} {
		p, err := Keyfile{Path: path}.Pepper(context.Background(), Binding{})
		assert.Nil(t, p)
		assert.True(t, errors.Is(err, ErrKeyfile), "%s: %v", path, err)
	}
}

func TestGenerateKeyfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitepass.key")
	require.NoError(t, GenerateKeyfile(path))
	fsperm.AssertReadOnlyFile(t, path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, KeyfileSize)

	first, err := Keyfile{Path: path}.Pepper(context.Background(), Binding{})
	require.NoError(t, err)
	defer first.Destroy()
	second, err := Keyfile{Path: path}.Pepper(context.Background(), Binding{})
	require.NoError(t, err)
	defer second.Destroy()

	assert.Equal(t, derive.PepperSize, first.Len())
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestGenerateKeyfileNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing")
	fsperm.WriteFile(t, path, []byte("keep me"), 0o600)

	err := GenerateKeyfile(path)
	assert.True(t, errors.Is(err, ErrKeyfileExists), "got %v", err)
	raw, _ := os.ReadFile(path)
	assert.Equal(t, "keep me", string(raw))

	assert.True(t, errors.Is(GenerateKeyfile(dir), ErrKeyfileExists))
}

func TestResponsePepperVector(t *testing.T) {
	resp := make([]byte, 20)
	for i := range resp {
		resp[i] = byte(i)
	}
	p, err := ResponsePepper(resp)
	require.NoError(t, err)
	defer p.Destroy()
	assert.Equal(t, "aac886e08cdf15dd277af6672b0de9ec6dae7c52ec516901170354b55d1f0328", hex.EncodeToString(p.Bytes()))

	_, err = ResponsePepper(nil)
	assert.True(t, errors.Is(err, ErrToken))
}

type fakeTransport struct {
	challenge []byte
	response  []byte
	err       error
	returned  *secret.Buffer
}

func (f *fakeTransport) ChallengeResponse(_ context.Context, challenge []byte) (*secret.Buffer, error) {
	f.challenge = append([]byte(nil), challenge...)
	if f.err != nil {
		return nil, f.err
	}
	f.returned = secret.NewFull(len(f.response))
	copy(f.returned.Bytes(), f.response)
	return f.returned, nil
}

func testBinding(t *testing.T) Binding {
	salt, err := hex.DecodeString("4fdf08d4d2b605d47010bd610373012628efdcaa439068355bfd1dc341abd63f")
	require.NoError(t, err)
	return Binding{
		Salt: salt,
		Site: derive.Site{Domain: "example.com", Counter: 1, Shape: derive.Shape{Length: 20, Classes: derive.AllClasses}},
	}
}

func TestTokenSendsPaddedSiteChallenge(t *testing.T) {
	resp := make([]byte, 20)
	for i := range resp {
		resp[i] = byte(i)
	}
	tr := &fakeTransport{response: resp}
	p, err := Token{Transport: tr}.Pepper(context.Background(), testBinding(t))
	require.NoError(t, err)
	defer p.Destroy()

	require.Len(t, tr.challenge, yubikey.MaxChallenge)
	assert.Equal(t, "5fca19f3a856aa23a775a9a7eb57eab04ffe387b2dfdeb74e91410dacced15b2", hex.EncodeToString(tr.challenge[:32]))
	assert.Equal(t, make([]byte, 32), tr.challenge[32:])
	assert.Equal(t, "aac886e08cdf15dd277af6672b0de9ec6dae7c52ec516901170354b55d1f0328", hex.EncodeToString(p.Bytes()))

	// the raw response is wiped once the pepper exists
	assert.Equal(t, make([]byte, 20), tr.returned.Backing())
}

func TestTokenErrorsKeepTheirKind(t *testing.T) {
	tr := &fakeTransport{err: yubikey.ErrTouchTimeout}
	p, err := Token{Transport: tr}.Pepper(context.Background(), testBinding(t))
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrToken))
	assert.True(t, errors.Is(err, yubikey.ErrTouchTimeout))
}
