package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"deploytool/internal/database"
	"deploytool/internal/project"
	"deploytool/internal/security"
	"deploytool/internal/shell"
	"deploytool/internal/target"

	"github.com/spf13/cobra"
)

const mediaTarball = "project_media.tar"

var databaseCmd = &cobra.Command{
	Use:   "database ENVIRONMENT [OUTPUT_FILENAME]",
	Short: "Download a dump of the database",
	Long: `Dump the database of the environment on the first host, download the dump and
remove it from the host. The default file name is <database>_<yymmddHHMM>.sql.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDatabase,
}

var mediaCmd = &cobra.Command{
	Use:   "media ENVIRONMENT [OUTPUT_FILENAME]",
	Short: "Download the media folder as a tarball",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runMedia,
}

var restoreRemoteDatabaseCmd = &cobra.Command{
	Use:   "restore_remote_database ENVIRONMENT",
	Short: "Replace the local database with a copy of the remote one",
	Long: `Dump the database of the environment on the first host and load it into the
local database server, dropping the local database first. The local database
defaults to the name and owner configured for the environment.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestoreRemoteDatabase,
}

var installWheelsCmd = &cobra.Command{
	Use:   "install_wheels ENVIRONMENT",
	Short: "Build wheels for the requirements and add them to the wheel directory",
	Long: `Build wheels for requirements.txt as the deploy user on every host and copy them
into the shared wheel directory (/opt/wheels by default), so later deploys can
install with use_wheel.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstallWheels,
}

var (
	localDatabaseName  string
	localDatabaseOwner string
	wheelsRef          string
)

func init() {
	restoreRemoteDatabaseCmd.Flags().StringVar(&localDatabaseName, "local-name", "", "Local database to replace")
	restoreRemoteDatabaseCmd.Flags().StringVar(&localDatabaseOwner, "local-owner", "", "Owner of the recreated local database")
	installWheelsCmd.Flags().StringVar(&wheelsRef, "ref", "HEAD", "Commit, branch or tag to read requirements.txt from")
}

// localDatabase binds the engine of env to the local database server.
// Empty name and owner fall back to the environment's database.
func localDatabase(env *project.Environment, name, owner string, logger *slog.Logger) (*database.Bound, error) {
	if !env.HasDatabase() {
		return nil, fmt.Errorf("environment %s has no database", env.Name)
	}
	engine, err := database.New(env.Database.Engine, shell.NewLocal(logger), database.Options{})
	if err != nil {
		return nil, err
	}
	creds := database.Credentials{Name: name, User: owner}
	if creds.Name == "" {
		creds.Name = env.DatabaseName()
	}
	if creds.User == "" {
		creds.User = env.Database.User
	}
	if creds.User == "" {
		creds.User = creds.Name
	}
	return &database.Bound{Engine: engine, Credentials: creds}, nil
}

// download creates path, lets fill write it and removes it again when fill
// fails. It returns the absolute path.
func download(path string, fill func(w io.Writer) error) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, security.PermDownload)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", abs, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(abs)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(abs)
		return "", fmt.Errorf("failed to write %s: %w", abs, err)
	}
	return abs, nil
}

func runDatabase(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	output := fmt.Sprintf("%s_%s.sql", s.Environment.DatabaseName(), time.Now().Format("0601021504"))
	if len(args) == 2 {
		output = args[1]
	}

	return s.firstHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		saved, err := download(output, func(w io.Writer) error {
			return t.Manager.DumpDatabase(ctx, w)
		})
		if err != nil {
			return err
		}
		s.Console.Step("\nSaved backup to:")
		s.Console.Println(saved)
		return nil
	})
}

func runMedia(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	output := mediaTarball
	if len(args) == 2 {
		output = args[1]
	}

	return s.firstHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		s.Console.Step("\nCompressing and downloading remote media folder.")
		saved, err := download(output, func(w io.Writer) error {
			return t.Media(ctx, w)
		})
		if err != nil {
			return err
		}
		s.Console.Step("\nSaved media tarball to:")
		s.Console.Println(saved)
		return nil
	})
}

func runRestoreRemoteDatabase(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	local, err := localDatabase(s.Environment, localDatabaseName, localDatabaseOwner, s.Logger)
	if err != nil {
		return err
	}

	return s.firstHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		if !s.confirm(fmt.Sprintf("Replace the local database %s with the database of %s?", local.Credentials.Name, t.Name())) {
			return fmt.Errorf("restore cancelled")
		}
		if err := t.CloneDatabase(ctx, local, ""); err != nil {
			return err
		}
		s.Console.Success(fmt.Sprintf("Restored local database %s from %s", local.Credentials.Name, t.Name()))
		return nil
	})
}

func runInstallWheels(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		s.Console.Step(fmt.Sprintf("\nBuilding wheels on %s.", t.Name()))
		if err := t.InstallWheels(ctx, wheelsRef); err != nil {
			return err
		}
		s.Console.Success(fmt.Sprintf("Installed wheels into %s on %s", t.Layout.WheelPath, t.Name()))
		return nil
	})
}
