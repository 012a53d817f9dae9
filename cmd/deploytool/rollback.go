package main

import (
	"context"
	"fmt"
	"strings"

	"deploytool/internal/security"
	"deploytool/internal/target"

	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback ENVIRONMENT",
	Short: "Roll back to the previous release",
	Long: `Restore the database from the backup taken when the current release was deployed,
make previous_instance current again and remove the rolled back release.

A rollback needs a previous_instance and the database backup of the current release.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var restoreDatabaseCmd = &cobra.Command{
	Use:   "restore_database ENVIRONMENT",
	Short: "Restore the database from the current release's start backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreDatabase,
}

var pruneCmd = &cobra.Command{
	Use:     "remove_old_instances ENVIRONMENT",
	Aliases: []string{"prune"},
	Short:   "Remove obsolete releases",
	Long: `Delete the release directories that are neither current nor previous and not among
the most recently deployed ones (keep_releases, 3 by default).`,
	Args: cobra.ExactArgs(1),
	RunE: runPrune,
}

var restartCmd = &cobra.Command{
	Use:   "restart ENVIRONMENT [PROGRAM...]",
	Short: "Restart the site",
	Long: `Restart the supervisor group of the environment, or only the named programs,
then run the after_restart hooks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRestart,
}

func runRollback(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		if !s.confirm(fmt.Sprintf("Roll back %s to previous_instance?", t.Name())) {
			return fmt.Errorf("rollback cancelled")
		}
		if err := t.Manager.Rollback(ctx); err != nil {
			return err
		}
		s.Console.Success("Rolled back " + t.Name())
		return nil
	})
}

func runRestoreDatabase(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.firstHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		if !s.confirm(fmt.Sprintf("Replace the database of %s with the start backup of the current release?", t.Name())) {
			return fmt.Errorf("restore cancelled")
		}
		if err := t.Manager.RestoreDatabase(ctx); err != nil {
			return err
		}
		s.Console.Success("Restored database of " + t.Name())
		return nil
	})
}

func runPrune(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		removed, err := t.Manager.Prune(ctx)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			s.Console.Println("No obsolete releases on " + t.Name())
			return nil
		}
		s.Console.Success(fmt.Sprintf("Removed %d releases from %s: %s", len(removed), t.Name(), strings.Join(removed, ", ")))
		return nil
	})
}

func runRestart(cmd *cobra.Command, args []string) error {
	programs := args[1:]
	for _, p := range programs {
		if err := security.ValidateProgramName(p); err != nil {
			return err
		}
	}

	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		if err := t.Manager.Restart(ctx, programs...); err != nil {
			return err
		}
		s.Console.Success("Restarted " + t.Name())
		return nil
	})
}
