// Package config loads user defaults from a YAML file and the environment.
// Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"sitepass/internal/derive"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Counter   uint32
	Length    int
	Words     int
	Keyfile   string
	YubiKey   bool
	LogLevel  slog.Level
	LogFormat string
	YkmanPath string
}

func Default() Config {
	return Config{
		Counter:   1,
		Length:    derive.DefaultLength,
		Words:     derive.DefaultWords,
		LogLevel:  slog.LevelWarn,
		LogFormat: "text",
		YkmanPath: "ykman",
	}
}

type FileConfig struct {
	Defaults FileDefaults `yaml:"defaults"`
	Log      FileLog      `yaml:"log"`
	Ykman    FileYkman    `yaml:"ykman"`
}

type FileDefaults struct {
	Counter *uint32 `yaml:"counter"`
	Length  *int    `yaml:"length"`
	Words   *int    `yaml:"words"`
	Keyfile string  `yaml:"keyfile"`
	YubiKey *bool   `yaml:"yubikey"`
}

type FileLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FileYkman struct {
	Path string `yaml:"path"`
}

// DefaultPath is $XDG_CONFIG_HOME/sitepass/config.yaml or the platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sitepass", "config.yaml")
}

// Load reads configPath, or the default location when it is empty. A missing
// default file is not an error; a missing explicit file is. Unknown keys are
// rejected because a silently ignored default would change derived passwords.
func Load(configPath string) (Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		configPath = DefaultPath()
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			parsed, err := Parse(data)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, configPath, err)
			}
			if err := Merge(&cfg, parsed); err != nil {
				return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, configPath, err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Parse(data []byte) (FileConfig, error) {
	var parsed FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, err
	}
	return parsed, nil
}

func Merge(dst *Config, src FileConfig) error {
	if src.Defaults.Counter != nil {
		if *src.Defaults.Counter < 1 {
			return fmt.Errorf("%w: defaults.counter must be at least 1", ErrInvalidConfig)
		}
		dst.Counter = *src.Defaults.Counter
	}
	if src.Defaults.Length != nil {
		if *src.Defaults.Length < 1 || *src.Defaults.Length > derive.MaxLength {
			return fmt.Errorf("%w: defaults.length must be between 1 and %d", ErrInvalidConfig, derive.MaxLength)
		}
		dst.Length = *src.Defaults.Length
	}
	if src.Defaults.Words != nil {
		if *src.Defaults.Words < 1 || *src.Defaults.Words > derive.MaxWords {
			return fmt.Errorf("%w: defaults.words must be between 1 and %d", ErrInvalidConfig, derive.MaxWords)
		}
		dst.Words = *src.Defaults.Words
	}
	if src.Defaults.Keyfile != "" {
		dst.Keyfile = expandHome(src.Defaults.Keyfile)
	}
	if src.Defaults.YubiKey != nil {
		dst.YubiKey = *src.Defaults.YubiKey
	}
	if src.Log.Level != "" {
		level, err := ParseLevel(src.Log.Level)
		if err != nil {
			return err
		}
		dst.LogLevel = level
	}
	if src.Log.Format != "" {
		switch src.Log.Format {
		case "text", "json":
			dst.LogFormat = src.Log.Format
		default:
			return fmt.Errorf("%w: log.format must be text or json", ErrInvalidConfig)
		}
	}
	if src.Ykman.Path != "" {
		dst.YkmanPath = expandHome(src.Ykman.Path)
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) error {
	if keyfile := strings.TrimSpace(os.Getenv("SITEPASS_KEYFILE")); keyfile != "" {
		cfg.Keyfile = expandHome(keyfile)
	}
	if ykman := strings.TrimSpace(os.Getenv("SITEPASS_YKMAN")); ykman != "" {
		cfg.YkmanPath = ykman
	}
	if raw := strings.TrimSpace(os.Getenv("SITEPASS_LOG_LEVEL")); raw != "" {
		level, err := ParseLevel(raw)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if raw := strings.TrimSpace(os.Getenv("SITEPASS_YUBIKEY")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: SITEPASS_YUBIKEY: %w", ErrInvalidConfig, err)
		}
		cfg.YubiKey = v
	}
	return nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
