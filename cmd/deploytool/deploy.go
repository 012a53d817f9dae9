package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deploytool/internal/release"
	"deploytool/internal/source"
	"deploytool/internal/target"

	"github.com/spf13/cobra"
)

var (
	deployRef        string
	deployForce      bool
	deploySkipSyncDB bool
	deployUseWheel   bool
	deployPause      string
)

var deployCmd = &cobra.Command{
	Use:   "deploy ENVIRONMENT [force] [skip_syncdb] [use_wheel] [pause=CHECKPOINTS] [ARG|KEY=VALUE...]",
	Short: "Deploy a new release",
	Long: `Build the local HEAD (or --ref) into a new release on every host of the environment,
switch current_instance to it and restart the site.

Before asking for confirmation the changed files since the deployed commit are shown.
Until the new release is live any failure removes it and, when migrations ran,
restores the database from the backup taken at the start of the deploy.

Words after the environment:
  force        deploy even if the commit is current, previous or was deployed before
  skip_syncdb  skip database backups, syncdb and migrate
  use_wheel    install requirements from the wheel directory only
  pause=a,b    open a shell on the host at these checkpoints

Other words and KEY=VALUE pairs are passed on to the configured hooks.

Checkpoints: ` + checkpointList(),
	Example: `  deploytool deploy staging
  deploytool deploy production skip_syncdb pause=before_migrate
  deploytool deploy staging --ref v1.4.2 --yes`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployRef, "ref", "HEAD", "Commit, branch or tag to deploy")
	deployCmd.Flags().BoolVar(&deployForce, "force", false, "Same as the force word")
	deployCmd.Flags().BoolVar(&deploySkipSyncDB, "skip-syncdb", false, "Same as the skip_syncdb word")
	deployCmd.Flags().BoolVar(&deployUseWheel, "use-wheel", false, "Same as the use_wheel word")
	deployCmd.Flags().StringVar(&deployPause, "pause", "", "Comma separated checkpoints to pause at")
}

func checkpointList() string {
	names := make([]string, 0, len(release.Checkpoints()))
	for _, cp := range release.Checkpoints() {
		names = append(names, string(cp))
	}
	return strings.Join(names, ", ")
}

// parseDeployArgs turns the words after the environment into deploy
// options.
func parseDeployArgs(words []string) (release.Options, error) {
	var opts release.Options
	for _, word := range words {
		switch word {
		case "force":
			opts.Force = true
			continue
		case "skip_syncdb":
			opts.SkipDatabaseUpdate = true
			continue
		case "use_wheel":
			opts.UseWheel = true
			continue
		}

		key, value, ok := strings.Cut(word, "=")
		switch {
		case !ok:
			opts.Args = append(opts.Args, word)
		case key == "pause":
			pauses, err := release.ParseCheckpoints(value)
			if err != nil {
				return release.Options{}, err
			}
			opts.PauseAt = append(opts.PauseAt, pauses...)
		default:
			if opts.Kwargs == nil {
				opts.Kwargs = make(map[string]string)
			}
			opts.Kwargs[key] = value
		}
	}
	return opts, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	opts, err := parseDeployArgs(args[1:])
	if err != nil {
		return err
	}
	opts.Force = opts.Force || deployForce
	opts.SkipDatabaseUpdate = opts.SkipDatabaseUpdate || deploySkipSyncDB
	opts.UseWheel = opts.UseWheel || deployUseWheel
	if deployPause != "" {
		pauses, err := release.ParseCheckpoints(deployPause)
		if err != nil {
			return err
		}
		opts.PauseAt = append(opts.PauseAt, pauses...)
	}

	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	opts.RestartServices = s.Environment.RestartServices

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		stamp, err := t.Source.Resolve(deployRef)
		if err != nil {
			return err
		}
		if err := s.confirmDeploy(ctx, t, stamp); err != nil {
			return err
		}

		rel, err := t.Manager.Deploy(ctx, stamp, opts)
		if err != nil {
			return err
		}
		s.Console.Success(fmt.Sprintf("Deployed %s to %s", rel.Name, t.Name()))
		return nil
	})
}

// confirmDeploy shows what changes on the target and asks the operator.
func (s *session) confirmDeploy(ctx context.Context, t *target.Target, stamp string) error {
	c := s.Console
	deployed, state, err := t.Deployed(ctx)
	if err != nil {
		return err
	}

	switch state {
	case target.FirstDeploy:
		c.Step("\nFirst deploy to " + t.Name() + ".")
	case target.UnknownCommit:
		c.Println(c.Red("\nWarning: deployed commit is not in your local repository."))
	default:
		stat, err := t.Source.Diff(deployed, stamp, false)
		if err != nil {
			return err
		}
		c.Step("\nChanged files compared to " + t.Name() + ":")
		c.Println(stat)
	}

	branch, err := t.Source.Branch()
	if errors.Is(err, source.ErrDetachedHead) {
		branch = "(detached)"
	} else if err != nil {
		return err
	}

	if !s.confirm(fmt.Sprintf("\nDeploy branch %s at commit %s?", branch, stamp)) {
		return errors.New("aborted deployment, run `deploytool help deploy` for options")
	}
	return nil
}
