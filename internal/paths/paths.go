// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the conclave user config directory.
// Returns ~/.config/conclave or empty string if home dir unavailable.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "conclave")
}

// DefaultConfigFile returns the default user config file path.
func DefaultConfigFile() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultTracesFile returns the default path for trace file export.
// Returns ~/.config/conclave/traces/traces.jsonl or empty string if
// home dir unavailable.
func DefaultTracesFile() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// ProjectConfigFile returns the in-project config file path relative to
// the given directory. Conclave looks here before the user config.
func ProjectConfigFile(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, ".conclave", "config.yaml")
}
