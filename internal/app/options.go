package app

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"sitepass/internal/config"
	"sitepass/internal/derive"
	"sitepass/internal/generator"
	"sitepass/internal/pepper"
	"sitepass/internal/yubikey"
)

// Options is the raw command line. Pointer fields are nil when the flag was
// not given, so configured defaults can fill them.
type Options struct {
	Identity        string
	Domain          string
	Password        *string
	PasswordFile    string
	Keyfile         string
	GenerateKeyfile string
	YubiKey         bool
	YubiKeySlot     int
	ConfigureSlot   int
	Counter         *uint32
	Length          *int
	Lowercase       bool
	Uppercase       bool
	Digits          bool
	Symbols         bool
	Words           bool
}

type Mode int

const (
	ModeDerive Mode = iota
	ModeGenerateKeyfile
	ModeConfigureSlot
)

// Plan is a validated invocation. Building it touches no secret material.
type Plan struct {
	Mode          Mode
	Identity      string
	Domain        string
	Counter       uint32
	Shape         derive.Shape
	Keyfile       string
	YubiKey       bool
	YubiKeySlot   int
	ConfigureSlot int
	KeyfileOut    string
}

func (o Options) touchesDerivation() bool {
	return o.Identity != "" || o.Domain != "" || o.Password != nil || o.PasswordFile != "" ||
		o.Keyfile != "" || o.YubiKey || o.Counter != nil || o.Length != nil ||
		o.Lowercase || o.Uppercase || o.Digits || o.Symbols || o.Words
}

// Resolve validates o against the configured defaults. Every configuration
// error is reported here, before any password is read.
func (o Options) Resolve(cfg config.Config) (Plan, error) {
	if o.GenerateKeyfile != "" {
		if o.touchesDerivation() || o.ConfigureSlot != 0 {
			return Plan{}, fmt.Errorf("%w: -g/--generate must be used without other options", ErrUsage)
		}
		if err := checkNewFile(o.GenerateKeyfile); err != nil {
			return Plan{}, err
		}
		return Plan{Mode: ModeGenerateKeyfile, KeyfileOut: o.GenerateKeyfile}, nil
	}
	if o.ConfigureSlot != 0 {
		if o.touchesDerivation() {
			return Plan{}, fmt.Errorf("%w: -m/--modify-slot must be used without other options", ErrUsage)
		}
		if o.ConfigureSlot != yubikey.Slot1 && o.ConfigureSlot != yubikey.Slot2 {
			return Plan{}, fmt.Errorf("%w: -m/--modify-slot must be 1 or 2", ErrUsage)
		}
		return Plan{Mode: ModeConfigureSlot, ConfigureSlot: o.ConfigureSlot}, nil
	}

	if strings.TrimSpace(o.Identity) == "" {
		return Plan{}, fmt.Errorf("%w: -i/--identity is required", ErrUsage)
	}
	if strings.TrimSpace(o.Domain) == "" {
		return Plan{}, fmt.Errorf("%w: -d/--domain is required", ErrUsage)
	}
	domain, err := derive.CanonicalDomain(o.Domain)
	if err != nil {
		return Plan{}, err
	}

	if o.Password != nil {
		if o.PasswordFile != "" {
			return Plan{}, fmt.Errorf("%w: -f/--password-file cannot be combined with -p/--password", ErrUsage)
		}
		if n := utf8.RuneCountInString(*o.Password); n > generator.MaxPasswordChars {
			return Plan{}, fmt.Errorf("%w: %d characters, limit is %d", generator.ErrPasswordTooLong, n, generator.MaxPasswordChars)
		}
	}
	if o.PasswordFile != "" {
		if err := checkPasswordFile(o.PasswordFile); err != nil {
			return Plan{}, err
		}
	}

	plan := Plan{Mode: ModeDerive, Identity: o.Identity, Domain: domain}
	if err := o.resolveSecondFactor(cfg, &plan); err != nil {
		return Plan{}, err
	}

	plan.Counter = cfg.Counter
	if o.Counter != nil {
		plan.Counter = *o.Counter
	}
	if plan.Counter < 1 {
		return Plan{}, fmt.Errorf("%w: -c/--counter must be greater than 0", ErrUsage)
	}

	shape := derive.Shape{Mode: derive.ModePassword, Length: uint32(cfg.Length)}
	if o.Words {
		shape.Mode = derive.ModePassphrase
		shape.Length = uint32(cfg.Words)
		if o.Lowercase {
			return Plan{}, fmt.Errorf("%w: -a/--lowercase cannot be used with -w/--words", ErrUsage)
		}
	}
	if o.Length != nil {
		limit := derive.MaxLength
		if o.Words {
			limit = derive.MaxWords
		}
		if *o.Length < 1 || *o.Length > limit {
			return Plan{}, fmt.Errorf("%w: -l/--length must be between 1 and %d", ErrUsage, limit)
		}
		shape.Length = uint32(*o.Length)
	}
	shape.Classes = o.classes()
	if shape.Mode == derive.ModePassword && shape.Classes == 0 {
		shape.Classes = derive.AllClasses
	}
	if err := shape.Validate(); err != nil {
		return Plan{}, err
	}
	plan.Shape = shape
	return plan, nil
}

func (o Options) classes() derive.Classes {
	var c derive.Classes
	if o.Lowercase {
		c |= derive.Lowercase
	}
	if o.Uppercase {
		c |= derive.Uppercase
	}
	if o.Digits {
		c |= derive.Digits
	}
	if o.Symbols {
		c |= derive.Symbols
	}
	return c
}

// resolveSecondFactor lets a flag for one factor override a configured default
// for the other; two factors requested at the same level is an error.
func (o Options) resolveSecondFactor(cfg config.Config, plan *Plan) error {
	keyfile, useToken := cfg.Keyfile, cfg.YubiKey
	switch {
	case o.Keyfile != "" && o.YubiKey:
		return fmt.Errorf("%w: -k/--keyfile cannot be combined with -y/--yubikey", ErrUsage)
	case o.Keyfile != "":
		keyfile, useToken = o.Keyfile, false
	case o.YubiKey:
		keyfile, useToken = "", true
	case keyfile != "" && useToken:
		return fmt.Errorf("%w: defaults.keyfile and defaults.yubikey are both set", config.ErrInvalidConfig)
	}

	if keyfile != "" {
		st, err := os.Stat(keyfile)
		if err != nil {
			return fmt.Errorf("%w: %w", pepper.ErrKeyfile, err)
		}
		if !st.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", pepper.ErrKeyfile, keyfile)
		}
		if st.Size() == 0 {
			return fmt.Errorf("%w: %s is empty", pepper.ErrKeyfile, keyfile)
		}
	}
	if useToken {
		switch o.YubiKeySlot {
		case 0, yubikey.Slot1, yubikey.Slot2:
		default:
			return fmt.Errorf("%w: -y/--yubikey slot must be 1 or 2", ErrUsage)
		}
	}
	plan.Keyfile, plan.YubiKey, plan.YubiKeySlot = keyfile, useToken, o.YubiKeySlot
	return nil
}

func checkPasswordFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: password file: %w", ErrUsage, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: password file %s is not a regular file", ErrUsage, path)
	}
	if st.Size() == 0 {
		return fmt.Errorf("%w: password file %s is empty", ErrUsage, path)
	}
	if st.Size() > generator.MaxPasswordBytes {
		return fmt.Errorf("%w: password file is larger than %d bytes", generator.ErrPasswordTooLong, generator.MaxPasswordBytes)
	}
	return nil
}

func checkNewFile(path string) error {
	if strings.HasSuffix(path, string(os.PathSeparator)) || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: -g/--generate must name a file", ErrUsage)
	}
	st, err := os.Stat(path)
	switch {
	case err == nil && st.IsDir():
		return fmt.Errorf("%w: -g/--generate must name a file, %s is a directory", ErrUsage, path)
	case err == nil:
		return fmt.Errorf("%w: %s", pepper.ErrKeyfileExists, path)
	case !os.IsNotExist(err):
		return fmt.Errorf("%w: %w", pepper.ErrKeyfile, err)
	}
	return nil
}
