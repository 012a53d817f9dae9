package release

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoRollbackTarget is returned by Rollback when there is no
	// previous_instance to return to.
	ErrNoRollbackTarget = errors.New("no rollback possible, no previous instance found")

	// ErrNoCurrentRelease is returned by operations that need a
	// current_instance when there is none.
	ErrNoCurrentRelease = errors.New("no current instance found")

	// ErrNoDatabase is returned by database tasks when the environment has
	// no database configured.
	ErrNoDatabase = errors.New("no database configured")
)

// AlreadyDeployedError is returned when the requested revision is already
// current or already has a release directory.
type AlreadyDeployedError struct {
	Stamp   string
	Current bool
}

func (e *AlreadyDeployedError) Error() string {
	if e.Current {
		return fmt.Sprintf("deploy aborted because %s is already the current instance", e.Stamp)
	}
	return fmt.Sprintf("deploy aborted because instance %s has already been deployed", e.Stamp)
}

// UseRollbackInsteadError is returned when the requested revision is the
// previous release.
type UseRollbackInsteadError struct {
	Stamp string
}

func (e *UseRollbackInsteadError) Error() string {
	return fmt.Sprintf("deploy aborted because %s is the previous instance, use rollback instead", e.Stamp)
}

// NoBackupFoundError is returned when the start-of-deploy database backup
// of a release is missing.
type NoBackupFoundError struct {
	Path string
}

func (e *NoBackupFoundError) Error() string {
	return fmt.Sprintf("could not find backup file to restore database with: %s", e.Path)
}

// LockedError is returned when another run holds the virtual host lock.
type LockedError struct {
	Path   string
	Holder string
}

func (e *LockedError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("virtual host is locked by another run (%s)", e.Path)
	}
	return fmt.Sprintf("virtual host is locked by %s (%s)", e.Holder, e.Path)
}

// UnknownCheckpointError is returned for pause or hook names that are not
// checkpoints.
type UnknownCheckpointError struct {
	Name string
}

func (e *UnknownCheckpointError) Error() string {
	names := make([]string, len(checkpoints))
	for i, cp := range checkpoints {
		names[i] = string(cp)
	}
	return fmt.Sprintf("unknown checkpoint %q (valid: %s)", e.Name, strings.Join(names, ", "))
}

// DeployError is returned by a deploy that failed after it started
// changing the target. Unless Promoted is set, the release directory was
// removed and the serving release is untouched.
type DeployError struct {
	Stamp   string
	Release string
	Stage   string

	// Promoted reports that current_instance already points at the new
	// release. Nothing is rolled back automatically.
	Promoted bool

	Err error
}

func (e *DeployError) Error() string {
	if e.Promoted {
		return fmt.Sprintf("deploy of %s failed after it went live (%s): %v", e.Stamp, e.Stage, e.Err)
	}
	return fmt.Sprintf("deploy of %s failed and was rolled back (%s): %v", e.Stamp, e.Stage, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// RollbackError is returned when a rollback fails part way. The symlinks
// are left as they are.
type RollbackError struct {
	Stage string
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed (%s): %v", e.Stage, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
