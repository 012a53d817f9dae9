package security

import (
	"fmt"
	"os"
)

const (
	// PermDBFile is for the local task history database.
	// rw------- (0600): only the operator can read it.
	PermDBFile os.FileMode = 0600

	// PermDirectory is for local state directories.
	// rwx------ (0700): only the operator can enter them.
	PermDirectory os.FileMode = 0700

	// PermDownload is for database dumps and media archives fetched from
	// a target.
	// rw------- (0600): dumps contain user data.
	PermDownload os.FileMode = 0600

	// PermRemoteSecret is for credentials.json on a target.
	// rw-r----- (0640): the project account and its group.
	PermRemoteSecret os.FileMode = 0640

	// PermRemoteFile is for settings and generated configuration on a target.
	// rw-r--r-- (0644).
	PermRemoteFile os.FileMode = 0644
)

// CreateSecureDir creates a directory and its parents with secure
// permissions, tightening them when the directory already exists.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a sensitive file, such as an
// SSH identity, is neither world-readable nor world-writable.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
