package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"sitepass/internal/config"
	"sitepass/internal/generator"
	"sitepass/internal/kdf"
	"sitepass/internal/pepper"
	"sitepass/internal/prompt"
	"sitepass/internal/secret"
	"sitepass/internal/yubikey"
)

const (
	beginFrame = "-----BEGIN SITE PASSWORD-----"
	endFrame   = "-----END SITE PASSWORD-----"
)

// TokenDevice is the hardware token as the app needs it.
type TokenDevice interface {
	yubikey.Transport
	Status(ctx context.Context) (yubikey.SlotStatus, error)
	Configure(ctx context.Context, slot int, codes yubikey.AccessCodes) (*secret.Buffer, error)
}

type App struct {
	Config config.Config
	Logger *slog.Logger
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Token opens the hardware token; nil uses ykman from Config.
	Token func(slot int, onTouch func()) TokenDevice
	// GeneratorOptions are appended when the generator is built.
	GeneratorOptions []generator.Option
}

func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		Config: cfg,
		Logger: logger,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (a *App) Run(ctx context.Context, opts Options) error {
	plan, err := opts.Resolve(a.Config)
	if err != nil {
		return err
	}
	switch plan.Mode {
	case ModeGenerateKeyfile:
		return a.generateKeyfile(plan)
	case ModeConfigureSlot:
		return a.configureSlot(ctx, plan)
	}

	password, err := a.readPassword(opts)
	if err != nil {
		return err
	}
	req := generator.Request{
		Identity: []byte(plan.Identity),
		Password: password,
		Domain:   plan.Domain,
		Counter:  plan.Counter,
		Shape:    plan.Shape,
		Pepper:   a.provider(plan),
	}

	genOpts := append([]generator.Option{generator.WithObserver(a.progress(plan))}, a.GeneratorOptions...)
	out, err := generator.New(a.Logger, genOpts...).Generate(ctx, req)
	if err != nil {
		return err
	}
	defer out.Destroy()
	return a.printFramed(out)
}

func (a *App) provider(plan Plan) pepper.Provider {
	switch {
	case plan.Keyfile != "":
		return pepper.Keyfile{Path: plan.Keyfile}
	case plan.YubiKey:
		return pepper.Token{Transport: a.token(plan.YubiKeySlot), Logger: a.Logger}
	default:
		return pepper.None{}
	}
}

func (a *App) token(slot int) TokenDevice {
	onTouch := func() { fmt.Fprintln(a.Stderr, "Touch your hardware token...") }
	if a.Token != nil {
		return a.Token(slot, onTouch)
	}
	y := yubikey.NewYkman(a.Config.YkmanPath, a.Logger)
	y.Slot = slot
	y.OnTouch = onTouch
	return y
}

func (a *App) progress(plan Plan) generator.Observer {
	return func(s generator.Stage) error {
		switch s {
		case generator.StagePepper:
			if plan.YubiKey {
				fmt.Fprintln(a.Stderr, "Performing hardware token challenge-response...")
			}
		case generator.StageMasterKey:
			fmt.Fprintf(a.Stderr, "Deriving keys from master password (%d MiB)...\n", kdf.DefaultParams.MemoryKiB/1024)
		}
		return nil
	}
}

// readPassword returns the master password from exactly one source: the flag,
// the password file or an interactive prompt.
func (a *App) readPassword(opts Options) (*secret.Buffer, error) {
	switch {
	case opts.Password != nil:
		if len(*opts.Password) > generator.MaxPasswordBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", generator.ErrPasswordTooLong, generator.MaxPasswordBytes)
		}
		// copy straight from the string so no unwiped []byte conversion exists
		pw := secret.New(generator.MaxPasswordBytes)
		_ = pw.SetLen(copy(pw.Spare(), *opts.Password))
		return pw, nil
	case opts.PasswordFile != "":
		return readPasswordFile(opts.PasswordFile)
	default:
		return prompt.Terminal{In: a.Stdin, Out: a.Stderr, Label: "Master password:"}.ReadPassword()
	}
}

// readPasswordFile takes the file contents verbatim, trailing newline included.
func readPasswordFile(path string) (*secret.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: password file: %w", ErrUsage, err)
	}
	defer f.Close()

	pw := secret.New(generator.MaxPasswordBytes)
	for {
		if len(pw.Spare()) == 0 {
			var extra [1]byte
			if n, _ := f.Read(extra[:]); n > 0 {
				secret.Wipe(extra[:])
				pw.Destroy()
				return nil, fmt.Errorf("%w: password file is larger than %d bytes", generator.ErrPasswordTooLong, generator.MaxPasswordBytes)
			}
			break
		}
		n, err := f.Read(pw.Spare())
		_ = pw.SetLen(pw.Len() + n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			pw.Destroy()
			return nil, fmt.Errorf("%w: reading password file: %w", ErrUsage, err)
		}
	}
	if pw.Len() == 0 {
		pw.Destroy()
		return nil, fmt.Errorf("%w: password file %s is empty", ErrUsage, path)
	}
	return pw, nil
}

func (a *App) printFramed(out *secret.Buffer) error {
	if _, err := fmt.Fprintf(a.Stdout, "\n%s\n", beginFrame); err != nil {
		return err
	}
	if _, err := a.Stdout.Write(out.Bytes()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(a.Stdout, "\n%s\n", endFrame)
	return err
}

func (a *App) generateKeyfile(plan Plan) error {
	if err := pepper.GenerateKeyfile(plan.KeyfileOut); err != nil {
		return err
	}
	a.Logger.Info("keyfile.generated")
	fmt.Fprintf(a.Stderr, "Keyfile written to %s. Keep a backup: losing it changes every derived password.\n", plan.KeyfileOut)
	return nil
}

func (a *App) configureSlot(ctx context.Context, plan Plan) error {
	slot := plan.ConfigureSlot
	tok := a.token(slot)
	fmt.Fprintf(a.Stderr, "Warning: this overwrites challenge-response slot %d. Press Ctrl+C to cancel.\n", slot)

	status, err := tok.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range []int{yubikey.Slot1, yubikey.Slot2} {
		if status.Programmed(s) {
			fmt.Fprintf(a.Stderr, "Slot %d is already configured.\n", s)
		}
	}
	if !status.Slot1 && !status.Slot2 {
		fmt.Fprintln(a.Stderr, "Neither slot is configured.")
	}

	var scope secret.Scope
	defer scope.Close()
	current, err := a.readAccessCode("Current slot access code (blank if none):")
	if err != nil {
		return err
	}
	scope.Adopt(current)
	next, err := a.readAccessCode("New slot access code (blank for no protection):")
	if err != nil {
		return err
	}
	scope.Adopt(next)

	key, err := tok.Configure(ctx, slot, yubikey.AccessCodes{Current: current.Bytes(), New: next.Bytes()})
	if key == nil {
		return err
	}
	defer key.Destroy()

	keyHex := scope.New(hex.EncodedLen(key.Len()))
	hex.Encode(keyHex.Spare(), key.Bytes())
	_ = keyHex.SetLen(keyHex.Cap())

	fmt.Fprintln(a.Stderr, "Slot configured. Program a backup token with this HMAC-SHA1 key, then clear your screen:")
	if _, werr := a.Stdout.Write(keyHex.Bytes()); werr != nil {
		return werr
	}
	if _, werr := io.WriteString(a.Stdout, "\n"); werr != nil {
		return werr
	}
	return err
}

func (a *App) readAccessCode(label string) (*secret.Buffer, error) {
	return prompt.Terminal{In: a.Stdin, Out: a.Stderr, Label: label}.ReadAccessCode()
}
