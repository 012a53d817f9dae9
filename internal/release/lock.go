package release

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

const lockOwnerFile = "owner"

// lock takes the virtual host lock directory. mkdir is atomic on the
// target, so two runs can never both hold it. The returned func releases
// it and must be called on every exit path.
func (m *Manager) lock(ctx context.Context) (func(), error) {
	dir := m.layout.Lock()
	if err := m.host.Mkdir(ctx, dir); err != nil {
		held, probeErr := m.host.Exists(ctx, dir)
		if probeErr == nil && held {
			holder, _ := m.host.ReadFile(ctx, path.Join(dir, lockOwnerFile))
			return nil, &LockedError{Path: dir, Holder: strings.TrimSpace(string(holder))}
		}
		return nil, fmt.Errorf("failed to lock virtual host: %w", err)
	}

	owner := fmt.Sprintf("%s pid %d since %s", m.owner, os.Getpid(), m.now().Format(time.RFC3339))
	if err := m.host.WriteFile(ctx, path.Join(dir, lockOwnerFile), []byte(strings.TrimSpace(owner)+"\n"), 0o644, ""); err != nil {
		m.logger.Warn("failed to record lock owner", "error", err)
	}

	return func() {
		if err := m.host.RemoveAll(context.WithoutCancel(ctx), dir); err != nil {
			m.logger.Error("failed to release virtual host lock", "path", dir, "error", err)
		}
	}, nil
}

// LockManager serializes runs inside one process, keyed by project and
// environment. It complements the lock directory on the target, which
// guards against other processes.
type LockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func lockKey(project, environment string) string {
	return project + "/" + environment
}

// TryLock attempts to acquire the lock for a project environment.
// Returns true if the lock was acquired, false if already locked.
func (lm *LockManager) TryLock(project, environment string) bool {
	key := lockKey(project, environment)

	lm.mu.Lock()
	lock, exists := lm.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[key] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for a project environment.
func (lm *LockManager) Unlock(project, environment string) {
	lm.mu.Lock()
	lock, exists := lm.locks[lockKey(project, environment)]
	lm.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}
