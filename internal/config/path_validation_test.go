package config

import (
	"path/filepath"
	"testing"
)

func TestValidateConfigPath_RejectsPathTraversal(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"double dot escape", "/etc/phased../etc/passwd"},
		{"multiple escapes", "/etc/phased/../../../../etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateConfigPath(tt.path); err == nil {
				t.Errorf("Expected error for path traversal attempt: %s", tt.path)
			}
		})
	}
}

func TestValidateConfigPath_AllowsValidPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	validPaths := []string{
		filepath.Join(home, ".config", "phased", "config.yaml"),
		filepath.Join(home, ".config", "phased", "subdir", "config.yaml"),
		"/etc/phased/config.yaml",
		"/etc/phased/production/config.yaml",
		"phased.yaml",
	}

	for _, path := range validPaths {
		t.Run(path, func(t *testing.T) {
			if err := validateConfigPath(path); err != nil {
				t.Errorf("Valid path rejected: %s, error: %v", path, err)
			}
		})
	}
}

func TestValidateConfigPath_RejectsOutsideAllowedDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	invalidPaths := []string{
		"/etc/passwd",
		"/var/lib/phased/config.yaml",
		"/etc/phased-other/config.yaml",
	}

	for _, path := range invalidPaths {
		t.Run(path, func(t *testing.T) {
			if err := validateConfigPath(path); err == nil {
				t.Errorf("Path outside allowed directories should be rejected: %s", path)
			}
		})
	}
}
