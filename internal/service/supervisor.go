// Package service controls the processes serving a virtual host.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"deploytool/internal/remote"
	"deploytool/pkg/cmdutil"
)

// Supervisor controls a supervisord process group through supervisorctl.
type Supervisor struct {
	host   *remote.Host
	group  string
	logger *slog.Logger
}

// NewSupervisor returns a controller for group. Programs named without a
// group prefix are taken to belong to it.
func NewSupervisor(host *remote.Host, group string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{host: host, group: group, logger: logger}
}

// Group returns the process group name.
func (s *Supervisor) Group() string {
	return s.group
}

// Restart restarts programs, or the whole group when none are given.
func (s *Supervisor) Restart(ctx context.Context, programs ...string) error {
	return s.ctl(ctx, "restart", programs)
}

// Stop stops programs, or the whole group.
func (s *Supervisor) Stop(ctx context.Context, programs ...string) error {
	return s.ctl(ctx, "stop", programs)
}

// Start starts programs, or the whole group.
func (s *Supervisor) Start(ctx context.Context, programs ...string) error {
	return s.ctl(ctx, "start", programs)
}

// Status returns supervisorctl's status listing for the group.
func (s *Supervisor) Status(ctx context.Context) (string, error) {
	result, err := s.host.Sudo(ctx, cmdutil.Join("supervisorctl", "status", s.group+":*"))
	if result != nil && result.Output != "" {
		// supervisorctl exits 3 when a program is not running; the listing
		// is still what the caller wants.
		return strings.TrimRight(result.Output, "\n"), nil
	}
	if err != nil {
		return "", fmt.Errorf("supervisorctl status failed: %w", err)
	}
	return "", nil
}

// Update rereads the configuration and applies changed groups.
func (s *Supervisor) Update(ctx context.Context) error {
	if _, err := s.host.Sudo(ctx, "supervisorctl update"); err != nil {
		return fmt.Errorf("supervisorctl update failed: %w", err)
	}
	return nil
}

func (s *Supervisor) ctl(ctx context.Context, action string, programs []string) error {
	targets := s.targets(programs)
	s.logger.Info("supervisorctl", "action", action, "targets", strings.Join(targets, " "))

	args := append([]string{"supervisorctl", action}, targets...)
	if _, err := s.host.Sudo(ctx, cmdutil.Join(args...)); err != nil {
		return fmt.Errorf("supervisorctl %s failed: %w", action, err)
	}
	return nil
}

func (s *Supervisor) targets(programs []string) []string {
	if len(programs) == 0 {
		return []string{s.group + ":*"}
	}
	targets := make([]string, len(programs))
	for i, p := range programs {
		if strings.Contains(p, ":") || s.group == "" {
			targets[i] = p
			continue
		}
		targets[i] = s.group + ":" + p
	}
	return targets
}
