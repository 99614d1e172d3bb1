package app

import (
	"context"
	"errors"

	"sitepass/internal/generator"
	"sitepass/internal/kdf"
	"sitepass/internal/pepper"
	"sitepass/internal/prompt"
	"sitepass/internal/yubikey"
)

// Kind groups failures by what the user has to do about them.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindResource
	KindToken
	KindInputLength
	KindInterrupted
)

var ErrUsage = errors.New("invalid usage")

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindResource:
		return "resource"
	case KindToken:
		return "hardware token"
	case KindInputLength:
		return "input length"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

const (
	ExitOK          = 0
	ExitConfig      = 10
	ExitResource    = 20
	ExitToken       = 30
	ExitInputLength = 40
	ExitInterrupted = 130
)

func (k Kind) ExitCode() int {
	switch k {
	case KindResource:
		return ExitResource
	case KindToken:
		return ExitToken
	case KindInputLength:
		return ExitInputLength
	case KindInterrupted:
		return ExitInterrupted
	default:
		return ExitConfig
	}
}

// KindOf classifies err. Anything unrecognised is a configuration error,
// since it was caused by what the user asked for.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, prompt.ErrInterrupted), errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, generator.ErrPasswordTooLong):
		return KindInputLength
	case errors.Is(err, kdf.ErrInsufficientMemory):
		return KindResource
	case errors.Is(err, pepper.ErrToken),
		errors.Is(err, yubikey.ErrNoDevice),
		errors.Is(err, yubikey.ErrMultipleDevices),
		errors.Is(err, yubikey.ErrTouchTimeout),
		errors.Is(err, yubikey.ErrInterfaceDisabled),
		errors.Is(err, yubikey.ErrSlotNotConfigured),
		errors.Is(err, yubikey.ErrAccessCode),
		errors.Is(err, yubikey.ErrToolMissing),
		errors.Is(err, yubikey.ErrTransport):
		return KindToken
	}
	return KindConfig
}
