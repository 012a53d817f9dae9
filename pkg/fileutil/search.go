// Package fileutil locates configuration on the machine running deploytool.
package fileutil

import (
	"os"
	"path/filepath"
)

// SystemConfigDir holds the system-wide configuration and templates.
const SystemConfigDir = "/etc/deploytool"

// SearchPathsOptional returns the first of paths that exists, or an empty
// string if none does.
func SearchPathsOptional(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths returns standard config search paths for a given filename.
// Search order:
// 1. Current directory (./<filename>)
// 2. Config subdirectory (./config/<filename>)
// 3. System-wide config (/etc/deploytool/<filename>)
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join(SystemConfigDir, filename),
	}
}
