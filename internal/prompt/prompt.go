// Package prompt reads the master password from a terminal without echo and
// shows a word fingerprint of what has been typed so far.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/term"

	"sitepass/internal/generator"
	"sitepass/internal/secret"
	"sitepass/internal/wordlist"
	"sitepass/internal/yubikey"
)

var (
	ErrEmpty       = errors.New("empty master password")
	ErrInterrupted = errors.New("password entry interrupted")
)

const (
	keyInterrupt = 0x03
	keyEOF       = 0x04
	keyBackspace = 0x08
	keyKill      = 0x15
	keyDelete    = 0x7f
	keyEscape    = 0x1b
)

// field describes one kind of secret entry.
type field struct {
	maxChars    int
	maxBytes    int
	allowEmpty  bool
	fingerprint bool
	tooLong     error
	validate    func([]byte) error
}

var (
	passwordField = field{
		maxChars:    generator.MaxPasswordChars,
		maxBytes:    generator.MaxPasswordBytes,
		fingerprint: true,
		tooLong:     generator.ErrPasswordTooLong,
		validate:    generator.CheckPassword,
	}
	accessCodeField = field{
		maxChars:   yubikey.AccessCodeSize,
		maxBytes:   yubikey.AccessCodeSize,
		allowEmpty: true,
		tooLong:    yubikey.ErrAccessCode,
		validate: func(p []byte) error {
			if !utf8.Valid(p) {
				return fmt.Errorf("%w: not valid UTF-8", yubikey.ErrAccessCode)
			}
			return nil
		},
	}
)

// Terminal reads from In. When In is a terminal it is switched to raw mode for
// the duration of the read; otherwise a single line is consumed.
type Terminal struct {
	In    io.Reader
	Out   io.Writer
	Label string
}

func (t Terminal) ReadPassword() (*secret.Buffer, error) {
	return t.read(passwordField)
}

// ReadAccessCode reads an optional slot access code of at most
// yubikey.AccessCodeSize bytes. A blank line yields an empty buffer.
func (t Terminal) ReadAccessCode() (*secret.Buffer, error) {
	return t.read(accessCodeField)
}

func (t Terminal) read(f field) (*secret.Buffer, error) {
	file, ok := t.In.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return readLine(t.In, nil, t.Label, f)
	}
	fd := int(file.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("prompt: raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, state) }()
	defer io.WriteString(t.Out, "\r\n")

	return readLine(t.In, t.Out, t.Label, f)
}

// readLine collects one line of UTF-8 into a fixed-capacity secret buffer.
// With a non-nil echo it redraws the label, and the fingerprint when f asks
// for one, after each key.
func readLine(in io.Reader, echo io.Writer, label string, f field) (*secret.Buffer, error) {
	pw := secret.New(f.maxBytes)
	ok := false
	defer func() {
		if !ok {
			pw.Destroy()
		}
	}()

	var key [1]byte
	defer secret.Wipe(key[:])
	// pending counts continuation bytes still owed by the current character.
	chars, pending := 0, 0
	esc := escNone

	redraw(echo, label, pw, f.fingerprint)
loop:
	for {
		n, err := in.Read(key[:])
		if n == 0 {
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("prompt: %w", err)
			}
			continue
		}

		c := key[0]
		if esc != escNone && c != '\r' && c != '\n' && c != keyInterrupt {
			esc = esc.next(c)
			continue
		}
		esc = escNone

		switch c {
		case '\r', '\n':
			break loop
		case keyInterrupt:
			return nil, ErrInterrupted
		case keyEOF:
			if pw.Len() == 0 && !f.allowEmpty {
				return nil, ErrInterrupted
			}
			continue
		case keyBackspace, keyDelete:
			if pending == 0 && pw.Len() > 0 {
				_, size := utf8.DecodeLastRune(pw.Bytes())
				end := pw.Len() - size
				secret.Wipe(pw.Bytes()[end:])
				_ = pw.SetLen(end)
				chars--
			}
			redraw(echo, label, pw, f.fingerprint)
			continue
		case keyKill:
			pw.Wipe()
			chars, pending = 0, 0
			redraw(echo, label, pw, f.fingerprint)
			continue
		case keyEscape:
			esc = escStart
			continue
		}
		if c < 0x20 {
			continue
		}

		if pending == 0 && (chars >= f.maxChars || pw.Len()+1+continuation(c) > f.maxBytes) {
			return nil, fmt.Errorf("%w: at most %d characters", f.tooLong, f.maxChars)
		}
		if err := pw.AppendByte(c); err != nil {
			return nil, fmt.Errorf("%w: %w", f.tooLong, err)
		}
		if pending > 0 {
			pending--
		} else {
			pending = continuation(c)
		}
		if pending == 0 {
			chars++
			redraw(echo, label, pw, f.fingerprint)
		}
	}

	if pw.Len() == 0 && !f.allowEmpty {
		return nil, ErrEmpty
	}
	if err := f.validate(pw.Bytes()); err != nil {
		return nil, err
	}
	ok = true
	return pw, nil
}

// escState tracks a terminal escape sequence so that none of its bytes, such
// as the "[A" of an arrow key, reach the secret.
type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escSS3
)

func (s escState) next(c byte) escState {
	switch s {
	case escStart:
		switch c {
		case '[':
			return escCSI
		case 'O':
			return escSS3
		case keyEscape:
			return escStart
		}
		// Alt+key: the key itself is dropped too.
		return escNone
	case escCSI:
		if c >= 0x40 && c <= 0x7e {
			return escNone
		}
		return escCSI
	}
	return escNone
}

func continuation(lead byte) int {
	switch {
	case lead >= 0xf0:
		return 3
	case lead >= 0xe0:
		return 2
	case lead >= 0xc0:
		return 1
	}
	return 0
}

func redraw(w io.Writer, label string, pw *secret.Buffer, fingerprint bool) {
	if w == nil {
		return
	}
	line := "\r\x1b[2K" + label
	if fingerprint && pw.Len() > 0 {
		line += " [" + wordlist.Fingerprint(pw.Bytes()) + "]"
	}
	_, _ = io.WriteString(w, line)
}
