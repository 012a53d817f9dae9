package target

import (
	"context"
	"fmt"
	"log/slog"

	"deploytool/internal/history"
	"deploytool/internal/project"
	"deploytool/internal/release"
)

// Deployer runs unattended deploys: it fetches the project repository and
// deploys the pushed commit to every host of the environment in turn,
// stopping at the first failure.
type Deployer struct {
	History *history.History
	Dial    DialFunc
	Logger  *slog.Logger

	// NoFetch deploys from the repository as it is.
	NoFetch bool
}

// Deploy deploys stamp to env.
func (d *Deployer) Deploy(ctx context.Context, proj *project.Project, env *project.Environment, stamp string) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	src, err := OpenSource(proj, logger)
	if err != nil {
		return err
	}
	if !d.NoFetch {
		if err := src.Fetch(ctx, ""); err != nil {
			return err
		}
	}

	for _, h := range env.Hosts {
		t, err := Open(ctx, Options{
			Project:     proj,
			Environment: env,
			Host:        h,
			LocalUser:   history.WebhookUser,
			History:     d.History,
			Trigger:     history.TriggerWebhook,
			Source:      src,
			Dial:        d.Dial,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		_, err = t.Manager.Deploy(ctx, stamp, release.Options{RestartServices: env.RestartServices})
		t.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
		logger.Info("webhook deploy finished", "project", proj.Name, "environment", env.Name, "host", h.Address, "stamp", stamp)
	}
	return nil
}
