package release

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Prune deletes every release directory that is neither linked nor among
// the most recently modified ones, and returns the deleted names.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.prune(ctx)
}

func (m *Manager) prune(ctx context.Context) ([]string, error) {
	snap, err := m.Inspect(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	var result *multierror.Error
	for _, r := range snap.Obsolete() {
		// Inspect already excludes linked releases; re-check by name anyway.
		if r.Name == snap.Current || r.Name == snap.Previous {
			continue
		}
		m.reporter.Step("Removing old instance " + r.Name + ".")
		if err := m.host.RemoveAll(ctx, r.Path); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		m.logger.Info("pruned release", "release", r.Name)
		removed = append(removed, r.Name)
	}
	return removed, result.ErrorOrNil()
}
