package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sitepass/internal/app"
	"sitepass/internal/config"
	"sitepass/internal/platform/privacylog"
)

type cliFlags struct {
	configPath string
	verbose    bool

	identity     string
	domain       string
	password     string
	passwordFile string
	keyfile      string
	generate     string
	yubikeySlot  int
	modifySlot   int
	counter      uint32
	length       int
	lowercase    bool
	uppercase    bool
	digits       bool
	symbols      bool
	words        bool
}

func newRootCommand(stdin *os.File, stdout, stderr io.Writer) *cobra.Command {
	cmd, _ := buildRootCommand(stdin, stdout, stderr)
	return cmd
}

func buildRootCommand(stdin *os.File, stdout, stderr io.Writer) (*cobra.Command, *cliFlags) {
	flags := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "sitepass -i IDENTITY -d DOMAIN [options]",
		Short: "Derive a site password from a master password without storing anything",
		Long: `sitepass derives the same password for the same identity, master password,
domain, counter and character classes on every run. Nothing is written to disk.

Without -p or -f the master password is read from the terminal, with a
four-word fingerprint shown so typos are noticed before the slow derivation.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			level := slog.Leveler(cfg.LogLevel)
			if flags.verbose {
				level = slog.LevelDebug
			}
			logger := privacylog.NewLogger(stderr, level, cfg.LogFormat)

			a := app.New(cfg, logger)
			a.Stdin, a.Stdout, a.Stderr = stdin, stdout, stderr
			return a.Run(cmd.Context(), optionsFromFlags(cmd, flags))
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVarP(&flags.identity, "identity", "i", "", "your email address or another stable identifier")
	f.StringVarP(&flags.domain, "domain", "d", "", "website domain or URL; reduced to its hostname")
	f.StringVarP(&flags.password, "password", "p", "", "master password (visible to other local users; prefer the prompt)")
	f.StringVarP(&flags.passwordFile, "password-file", "f", "", "read the master password verbatim from FILE")
	f.StringVarP(&flags.keyfile, "keyfile", "k", "", "mix the contents of FILE into the master key")
	f.StringVarP(&flags.generate, "generate", "g", "", "create a new random keyfile at FILE and exit")
	f.IntVarP(&flags.yubikeySlot, "yubikey", "y", 0, "use a YubiKey challenge-response slot; -y tries both, -y=1 or -y=2 pins one")
	f.Lookup("yubikey").NoOptDefVal = "0"
	f.IntVarP(&flags.modifySlot, "modify-slot", "m", 0, "program a YubiKey challenge-response slot and exit; -m means slot 2, -m=1 slot 1")
	f.Lookup("modify-slot").NoOptDefVal = "2"
	f.Uint32VarP(&flags.counter, "counter", "c", 1, "increment to rotate a site password")
	f.IntVarP(&flags.length, "length", "l", 0, "password length (default 20) or passphrase word count (default 8)")
	f.BoolVarP(&flags.lowercase, "lowercase", "a", false, "include lowercase letters")
	f.BoolVarP(&flags.uppercase, "uppercase", "u", false, "include uppercase letters; capitalise passphrase words")
	f.BoolVarP(&flags.digits, "numbers", "n", false, "include digits; add one digit to a passphrase")
	f.BoolVarP(&flags.symbols, "symbols", "s", false, "include symbols; join passphrase words with hyphens")
	f.BoolVarP(&flags.words, "words", "w", false, "derive a passphrase instead of a password")
	f.StringVar(&flags.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging on stderr")
	cmd.MarkFlagsMutuallyExclusive("password", "password-file")
	cmd.MarkFlagsMutuallyExclusive("keyfile", "yubikey")

	return cmd, flags
}

// optionsFromFlags keeps "not given" distinct from a zero value so configured
// defaults apply only where the user was silent.
func optionsFromFlags(cmd *cobra.Command, flags *cliFlags) app.Options {
	f := cmd.Flags()
	opts := app.Options{
		Identity:        flags.identity,
		Domain:          flags.domain,
		PasswordFile:    flags.passwordFile,
		Keyfile:         flags.keyfile,
		GenerateKeyfile: flags.generate,
		YubiKey:         f.Changed("yubikey"),
		YubiKeySlot:     flags.yubikeySlot,
		Lowercase:       flags.lowercase,
		Uppercase:       flags.uppercase,
		Digits:          flags.digits,
		Symbols:         flags.symbols,
		Words:           flags.words,
	}
	if f.Changed("password") {
		opts.Password = &flags.password
	}
	if f.Changed("modify-slot") {
		opts.ConfigureSlot = flags.modifySlot
		if opts.ConfigureSlot == 0 {
			opts.ConfigureSlot = -1
		}
	}
	if f.Changed("counter") {
		c := flags.counter
		opts.Counter = &c
	}
	if f.Changed("length") {
		l := flags.length
		opts.Length = &l
	}
	return opts
}
