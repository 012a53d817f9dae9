package release

import (
	"context"
	"fmt"
	"path"

	"github.com/hashicorp/go-multierror"
)

// Promote makes releasePath the current release and the old current
// release the previous one. The new link is built next to current_instance
// and renamed over it, so an interrupted promotion leaves at most
// current_instance missing, never two current releases.
func (m *Manager) Promote(ctx context.Context, releasePath string) error {
	current, previous := m.layout.Current(), m.layout.Previous()

	target, err := m.host.ReadLink(ctx, current)
	if err != nil {
		return err
	}
	if target != "" && linkedRelease(target) == path.Base(releasePath) {
		return fmt.Errorf("%s is already the current instance", path.Base(releasePath))
	}

	if err := m.host.RemoveAll(ctx, previous); err != nil {
		return err
	}

	linked, err := m.host.IsLink(ctx, current)
	if err != nil {
		return err
	}
	if linked {
		if err := m.host.Rename(ctx, current, previous); err != nil {
			return err
		}
	}

	staging := path.Join(m.layout.VHostPath, "."+path.Base(current)+".new")
	if err := m.host.Symlink(ctx, releasePath, staging); err != nil {
		return err
	}
	return m.host.Rename(ctx, staging, current)
}

// DemoteForRollback removes current_instance and renames previous_instance
// to take its place. It does nothing without a previous_instance.
func (m *Manager) DemoteForRollback(ctx context.Context) error {
	current, previous := m.layout.Current(), m.layout.Previous()

	linked, err := m.host.IsLink(ctx, previous)
	if err != nil || !linked {
		return err
	}
	if err := m.host.RemoveAll(ctx, current); err != nil {
		return err
	}
	return m.host.Rename(ctx, previous, current)
}

// Rollback returns the virtual host to its previous release: services are
// stopped, the database is reloaded from the current release's start
// backup, the links are swapped, services are started again and the
// abandoned release is deleted.
func (m *Manager) Rollback(ctx context.Context) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	snap, err := m.Inspect(ctx)
	if err != nil {
		return err
	}
	if snap.Previous == "" {
		return ErrNoRollbackTarget
	}
	if snap.Current == "" {
		return ErrNoCurrentRelease
	}

	rel := m.layout.Release(snap.Current)
	if m.db != nil {
		ok, err := m.host.Exists(ctx, rel.BackupStart)
		if err != nil {
			return err
		}
		if !ok {
			return &NoBackupFoundError{Path: rel.BackupStart}
		}
	}

	stamp := snap.CurrentStamp()
	m.logger.Info("rollback started", "from", snap.Current, "to", snap.Previous)

	stopped := false
	fail := func(stage string, cause error) error {
		ctx := context.WithoutCancel(ctx)
		err := cause
		if stopped {
			if startErr := m.services.Start(ctx); startErr != nil {
				err = multierror.Append(cause, fmt.Errorf("failed to start services: %w", startErr))
			}
		}
		m.record(ctx, TaskRollback, false, stamp)
		m.logger.Error("rollback failed", "stage", stage, "error", err)
		return &RollbackError{Stage: stage, Err: err}
	}

	m.reporter.Step("Stopping supervisor group.")
	if err := m.services.Stop(ctx); err != nil {
		return fail("stop services", err)
	}
	stopped = true

	if m.db != nil {
		m.reporter.Step("Restoring database.")
		if err := m.db.Restore(ctx, rel.BackupStart); err != nil {
			return fail("restore database", err)
		}
	}

	m.reporter.Step("Switching to previous instance.")
	if err := m.DemoteForRollback(ctx); err != nil {
		return fail("switch links", err)
	}

	m.reporter.Step("Starting supervisor group.")
	if err := m.services.Start(ctx); err != nil {
		return fail("start services", err)
	}
	stopped = false

	m.reporter.Step("Removing rolled back instance.")
	if err := m.host.RemoveAll(ctx, rel.Root); err != nil {
		return fail("remove release", err)
	}

	if err := m.journal.Record(ctx, TaskRollback, true, stamp); err != nil {
		return err
	}
	m.logger.Info("rollback finished", "current", snap.Previous)
	return nil
}
