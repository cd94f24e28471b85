// Package config loads craftlink's settings.
//
// Settings come from a single YAML file named by the --config flag or the
// CRAFTLINK_CONFIG environment variable. Without either, the platform
// defaults are used unchanged. Path settings may reference environment
// variables as $VAR, ${VAR} or %VAR%.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config flag
// is given.
const EnvVar = "CRAFTLINK_CONFIG"

var ErrExecutableNotFound = errors.New("CraftOS-PC executable not found; set executable_path in the config file")

// Config is the complete craftlink configuration.
type Config struct {
	// ExecutablePath is the CraftOS-PC console binary. Empty selects the
	// platform default.
	ExecutablePath string `yaml:"executable_path"`

	// DataPath is passed to the emulator as -d when set.
	DataPath string `yaml:"data_path"`

	// AdditionalArguments are appended to the emulator command line,
	// split on spaces.
	AdditionalArguments string `yaml:"additional_arguments"`

	// UsePTY runs local emulators on a pseudo-terminal instead of pipes.
	UsePTY bool `yaml:"use_pty"`

	// RequestTimeout bounds each filesystem request. Default: 3s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LogLevel is one of debug, info, warn, error. Default: info
	LogLevel string `yaml:"log_level"`

	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataPath:       defaultDataPath(runtime.GOOS),
		RequestTimeout: 3 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads path, or the file named by CRAFTLINK_CONFIG when path is
// empty. With neither it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ExecutablePath = Expand(cfg.ExecutablePath)
	cfg.DataPath = Expand(cfg.DataPath)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Arguments returns AdditionalArguments split on spaces.
func (c *Config) Arguments() []string {
	return strings.Fields(c.AdditionalArguments)
}

// Executable resolves the emulator binary: the configured path if it
// exists, otherwise the platform default if that exists.
func (c *Config) Executable() (string, error) {
	candidates := []string{c.ExecutablePath, defaultExecutable(runtime.GOOS)}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	// The GUI build lacks raw mode, so finding only it is still a failure.
	if runtime.GOOS == "windows" {
		if gui := strings.Replace(defaultExecutable("windows"), "_console", "", 1); fileExists(gui) {
			return "", fmt.Errorf("%w: only the GUI build is installed at %s; reinstall with the console build", ErrExecutableNotFound, gui)
		}
	}
	return "", ErrExecutableNotFound
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return l, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func defaultExecutable(goos string) string {
	switch goos {
	case "windows":
		return Expand(`%LOCALAPPDATA%\Programs\CraftOS-PC\CraftOS-PC_console.exe`)
	case "darwin":
		return "/Applications/CraftOS-PC.app/Contents/MacOS/craftos"
	case "linux":
		return "/usr/bin/craftos"
	}
	return ""
}

func defaultDataPath(goos string) string {
	switch goos {
	case "windows":
		return Expand(`%APPDATA%\CraftOS-PC`)
	case "darwin":
		return Expand("$HOME/Library/Application Support/CraftOS-PC")
	case "linux":
		return filepath.FromSlash(Expand("$HOME/.local/craftos-pc"))
	}
	return ""
}

var (
	percentVar = regexp.MustCompile(`%([^%]+)%`)
	braceVar   = regexp.MustCompile(`\$\{([^}]+)\}`)
	dollarVar  = regexp.MustCompile(`\$(\w+)`)
)

// Expand replaces %VAR%, ${VAR} and $VAR with their environment values.
// Unset variables are left as written.
func Expand(s string) string {
	for _, re := range []*regexp.Regexp{percentVar, braceVar, dollarVar} {
		s = re.ReplaceAllStringFunc(s, func(match string) string {
			name := re.FindStringSubmatch(match)[1]
			if v, ok := os.LookupEnv(name); ok && v != "" {
				return v
			}
			return match
		})
	}
	return s
}
