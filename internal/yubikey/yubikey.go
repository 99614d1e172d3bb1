// Package yubikey talks to a YubiKey HMAC-SHA1 challenge-response slot through
// the ykman command-line tool.
package yubikey

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"sitepass/internal/secret"
)

var (
	ErrNoDevice          = errors.New("no hardware token found")
	ErrMultipleDevices   = errors.New("more than one hardware token connected")
	ErrTouchTimeout      = errors.New("hardware token was not touched in time")
	ErrInterfaceDisabled = errors.New("hardware token OTP interface is disabled")
	ErrSlotNotConfigured = errors.New("hardware token slot is not configured for challenge-response")
	ErrAccessCode        = errors.New("slot access code rejected")
	ErrToolMissing       = errors.New("ykman not found")
	ErrTransport         = errors.New("hardware token transport failed")
)

const (
	Slot1 = 1
	Slot2 = 2

	// MaxChallenge is the largest HMAC-SHA1 challenge the token accepts.
	MaxChallenge = 64
	HMACKeySize  = 20
	// AccessCodeSize is the slot access code length; shorter codes are
	// zero-padded.
	AccessCodeSize = 6

	// HMAC-SHA1 answers with 20 bytes; leave room for longer outputs.
	maxResponse = 64
	maxStderr   = 4096
)

// Transport sends a challenge to exactly one connected token and returns its
// response. Implementations must not retry.
type Transport interface {
	ChallengeResponse(ctx context.Context, challenge []byte) (*secret.Buffer, error)
}

// Runner executes one ykman invocation.
type Runner interface {
	Run(ctx context.Context, stdout, stderr io.Writer, args ...string) error
}

// ExecRunner runs the real binary. The child is not tied to ctx: an in-flight
// request only ends when the token answers, times out or is unplugged.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) Run(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := r.Path
	if path == "" {
		path = "ykman"
	}
	cmd := exec.Command(path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrToolMissing, path)
		}
		return err
	}
	return nil
}

// Ykman is the Transport backed by ykman. OnTouch, when set, is called once
// per request as soon as the token starts waiting for a button press. Slot
// pins one slot; zero tries both.
type Ykman struct {
	Runner  Runner
	Slot    int
	OnTouch func()
	Logger  *slog.Logger
}

func NewYkman(path string, logger *slog.Logger) *Ykman {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ykman{Runner: ExecRunner{Path: path}, Logger: logger}
}

// ChallengeResponse tries slot 2 and then slot 1, so the caller never has to
// know which one was programmed.
func (y *Ykman) ChallengeResponse(ctx context.Context, challenge []byte) (*secret.Buffer, error) {
	if len(challenge) == 0 || len(challenge) > MaxChallenge {
		return nil, fmt.Errorf("%w: challenge must be 1..%d bytes, got %d", ErrTransport, MaxChallenge, len(challenge))
	}
	slots := []int{Slot2, Slot1}
	switch y.Slot {
	case 0:
	case Slot1, Slot2:
		slots = []int{y.Slot}
	default:
		return nil, fmt.Errorf("%w: slot must be 1 or 2, got %d", ErrTransport, y.Slot)
	}
	serial, err := y.device(ctx)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, slot := range slots {
		resp, err := y.calculate(ctx, serial, slot, challenge)
		if err == nil {
			y.logger().Debug("yubikey.response", "slot", slot)
			return resp, nil
		}
		if !errors.Is(err, ErrSlotNotConfigured) {
			return nil, err
		}
		y.logger().Debug("yubikey.slot_empty", "slot", slot)
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// AccessCodes guard a slot against reprogramming. Empty means no code.
type AccessCodes struct {
	Current []byte
	New     []byte
}

// SlotStatus reports which slots already hold a configuration.
type SlotStatus struct {
	Slot1 bool
	Slot2 bool
}

func (s SlotStatus) Programmed(slot int) bool {
	if slot == Slot1 {
		return s.Slot1
	}
	return slot == Slot2 && s.Slot2
}

// Status asks the single connected token which slots are programmed.
func (y *Ykman) Status(ctx context.Context) (SlotStatus, error) {
	serial, err := y.device(ctx)
	if err != nil {
		return SlotStatus{}, err
	}
	var stdout, stderr boundedBuffer
	if err := y.Runner.Run(ctx, &stdout, &stderr, "--device", serial, "otp", "info"); err != nil {
		return SlotStatus{}, classify(err, stderr.String())
	}
	return parseStatus(stdout.String()), nil
}

func parseStatus(out string) SlotStatus {
	var st SlotStatus
	for _, line := range strings.Split(strings.ToLower(out), "\n") {
		name, state, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		programmed := strings.Contains(state, "programmed") && !strings.Contains(state, "not programmed")
		switch strings.TrimSpace(name) {
		case "slot 1":
			st.Slot1 = programmed
		case "slot 2":
			st.Slot2 = programmed
		}
	}
	return st
}

// Configure programs slot with a fresh random HMAC-SHA1 key that requires a
// touch, overwriting whatever the slot held. The key is returned so the user
// can program an identical backup token; the caller must Destroy it.
//
// When codes.New differs from codes.Current the access code is changed in a
// second write. If only that write fails the slot already holds the new key,
// so the key is returned together with the error.
func (y *Ykman) Configure(ctx context.Context, slot int, codes AccessCodes) (*secret.Buffer, error) {
	if slot != Slot1 && slot != Slot2 {
		return nil, fmt.Errorf("%w: slot must be 1 or 2, got %d", ErrTransport, slot)
	}
	if len(codes.Current) > AccessCodeSize || len(codes.New) > AccessCodeSize {
		return nil, fmt.Errorf("%w: access codes are at most %d bytes", ErrAccessCode, AccessCodeSize)
	}
	serial, err := y.device(ctx)
	if err != nil {
		return nil, err
	}

	var scope secret.Scope
	defer scope.Close()
	current := accessCodeArgs(&scope, "--access-code", codes.Current)

	key := secret.NewFull(HMACKeySize)
	if _, err := rand.Read(key.Bytes()); err != nil {
		key.Destroy()
		return nil, err
	}
	keyHex := scope.New(hex.EncodedLen(HMACKeySize))
	hex.Encode(keyHex.Spare(), key.Bytes())
	_ = keyHex.SetLen(keyHex.Cap())

	args := append([]string{"--device", serial, "otp"}, current...)
	args = append(args, "chalresp", "--force", "--touch", fmt.Sprint(slot), string(keyHex.Bytes()))
	var stderr boundedBuffer
	if err := y.Runner.Run(ctx, io.Discard, &stderr, args...); err != nil {
		key.Destroy()
		return nil, classify(err, stderr.String())
	}
	y.logger().Info("yubikey.configured", "slot", slot)

	if bytes.Equal(codes.Current, codes.New) {
		return key, nil
	}
	args = append([]string{"--device", serial, "otp"}, current...)
	args = append(args, "settings", "--force")
	if len(codes.New) == 0 {
		args = append(args, "--delete-access-code")
	} else {
		args = append(args, accessCodeArgs(&scope, "--new-access-code", codes.New)...)
	}
	args = append(args, fmt.Sprint(slot))
	stderr.Reset()
	if err := y.Runner.Run(ctx, io.Discard, &stderr, args...); err != nil {
		return key, fmt.Errorf("slot %d programmed, access code unchanged: %w", slot, classify(err, stderr.String()))
	}
	y.logger().Info("yubikey.access_code_changed", "slot", slot)
	return key, nil
}

// accessCodeArgs renders code zero-padded to AccessCodeSize bytes as hex, the
// form ykman expects. An empty code yields no arguments.
func accessCodeArgs(scope *secret.Scope, flag string, code []byte) []string {
	if len(code) == 0 {
		return nil
	}
	padded := scope.NewFull(AccessCodeSize)
	copy(padded.Bytes(), code)
	encoded := scope.New(hex.EncodedLen(AccessCodeSize))
	hex.Encode(encoded.Spare(), padded.Bytes())
	_ = encoded.SetLen(encoded.Cap())
	return []string{flag, string(encoded.Bytes())}
}

func (y *Ykman) device(ctx context.Context) (string, error) {
	var stdout, stderr boundedBuffer
	if err := y.Runner.Run(ctx, &stdout, &stderr, "list", "--serials"); err != nil {
		return "", classify(err, stderr.String())
	}
	serials := strings.Fields(stdout.String())
	switch len(serials) {
	case 0:
		return "", ErrNoDevice
	case 1:
		return serials[0], nil
	default:
		return "", fmt.Errorf("%w: %d tokens", ErrMultipleDevices, len(serials))
	}
}

func (y *Ykman) calculate(ctx context.Context, serial string, slot int, challenge []byte) (*secret.Buffer, error) {
	challengeHex := secret.New(hex.EncodedLen(len(challenge)))
	defer challengeHex.Destroy()
	hex.Encode(challengeHex.Spare(), challenge)
	_ = challengeHex.SetLen(challengeHex.Cap())

	out := secret.New(hex.EncodedLen(maxResponse) + 2)
	defer out.Destroy()

	var stderr boundedBuffer
	watch := &touchWatcher{notify: y.OnTouch}
	err := y.Runner.Run(ctx, out, io.MultiWriter(&stderr, watch),
		"--device", serial, "otp", "calculate", fmt.Sprint(slot), string(challengeHex.Bytes()))
	if err != nil {
		return nil, classify(err, stderr.String())
	}
	return decodeResponse(out.Bytes())
}

func decodeResponse(raw []byte) (*secret.Buffer, error) {
	text := bytes.TrimSpace(raw)
	if len(text) == 0 || len(text)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed response", ErrTransport)
	}
	resp := secret.NewFull(hex.DecodedLen(len(text)))
	if _, err := hex.Decode(resp.Bytes(), text); err != nil {
		resp.Destroy()
		return nil, fmt.Errorf("%w: malformed response", ErrTransport)
	}
	return resp, nil
}

func (y *Ykman) logger() *slog.Logger {
	if y.Logger == nil {
		return slog.Default()
	}
	return y.Logger
}

// classify maps ykman's diagnostics onto the package error kinds.
func classify(err error, stderr string) error {
	if errors.Is(err, ErrToolMissing) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "access code"), strings.Contains(msg, "restricted access"):
		return ErrAccessCode
	case strings.Contains(msg, "no yubikey"), strings.Contains(msg, "no device"):
		return ErrNoDevice
	case strings.Contains(msg, "multiple yubikeys"), strings.Contains(msg, "more than one"):
		return ErrMultipleDevices
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return ErrTouchTimeout
	case strings.Contains(msg, "not configured"), strings.Contains(msg, "is empty"), strings.Contains(msg, "not programmed"):
		return ErrSlotNotConfigured
	case strings.Contains(msg, "disabled"), strings.Contains(msg, "not enabled"), strings.Contains(msg, "not available"):
		return ErrInterfaceDisabled
	}
	if line := firstLine(stderr); line != "" {
		return fmt.Errorf("%w: %s", ErrTransport, line)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// touchWatcher fires notify the first time ykman asks for a touch.
type touchWatcher struct {
	notify func()
	fired  bool
}

func (w *touchWatcher) Write(p []byte) (int, error) {
	if !w.fired && w.notify != nil && bytes.Contains(bytes.ToLower(p), []byte("touch")) {
		w.fired = true
		w.notify()
	}
	return len(p), nil
}

// boundedBuffer keeps at most maxStderr bytes of non-secret tool output.
type boundedBuffer struct {
	bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := maxStderr - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
