package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "PHASED_"
)

// nestedSections lists env sections whose fields contain a sub-section.
var nestedSections = map[string][]string{
	"repository": {"github", "git"},
}

// Load loads configuration from YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PHASED_ENGINE_MAX_ITERATIONS, PHASED_SERVER_PORT, etc.)
//  2. YAML config file (~/.config/phased/config.yaml)
//  3. Hardcoded defaults (Default)
//
// A missing file is not an error; defaults and environment still apply.
//
// # Security Considerations
//
// The file must grant no access to group or other, be at most 1MB and live in
// ~/.config/phased/, /etc/phased/ or the current working directory.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates section from field:
//
//	PHASED_ENGINE_MAX_ITERATIONS -> engine.max_iterations
//	PHASED_REPOSITORY_BASE_URL   -> repository.base_url
//	PHASED_REPOSITORY_GITHUB_TOKEN -> repository.github.token
//	PHASED_REPOSITORY_GIT_URL      -> repository.git.url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	explicit := configPath != ""
	if !explicit {
		dir, err := userConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over defaults so unset keys keep their default values.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKey maps PHASED_SECTION_FIELD_NAME to section.field_name.
// Keys without a section are skipped.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok || field == "" {
		return ""
	}

	for _, sub := range nestedSections[section] {
		if rest, found := strings.CutPrefix(field, sub+"_"); found {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates it through the open
// descriptor so the checked file is the one that is read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// userConfigDir is ~/.config/phased.
func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "phased"), nil
}

// EnsureConfigDir creates ~/.config/phased with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := userConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// resolve returns the absolute form of p with symlinks followed where they
// exist, so a link cannot point a config path out of the allowed
// directories.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// validateConfigPath accepts paths under ~/.config/phased, /etc/phased or
// the working directory. The file need not exist.
func validateConfigPath(path string) error {
	target, err := resolve(path)
	if err != nil {
		return err
	}

	userDir, err := userConfigDir()
	if err != nil {
		return err
	}
	allowed := []string{userDir, "/etc/phased"}
	if wd, err := os.Getwd(); err == nil {
		allowed = append(allowed, wd)
	}

	for _, dir := range allowed {
		dir, err := resolve(dir)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(dir, target); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return errors.New("config file must be in ~/.config/phased/, /etc/phased/ or the working directory")
}

// validateConfigFileProperties requires owner-only permissions outside
// Windows and a size of at most maxConfigFileSize.
func validateConfigFileProperties(info os.FileInfo) error {
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm&0o077 != 0 {
		return fmt.Errorf("insecure config file permissions: %v (group and other must have no access)", perm)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
