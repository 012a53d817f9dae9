package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"deploytool/internal/console"
	"deploytool/internal/database"
	"deploytool/internal/provision"
	"deploytool/internal/security"
	"deploytool/internal/target"
	"deploytool/pkg/templates"

	"github.com/spf13/cobra"
)

var (
	keysGitHubUser string
	keysLocalDir   string
	githubToken    string
	webhookRepo    string
	webhookServer  string
)

var setupCmd = &cobra.Command{
	Use:   "setup ENVIRONMENT",
	Short: "Provision the virtual host of an environment",
	Long: `Create the project user, its authorized_keys file, the virtual host folders,
settings.py and credentials.json, the database and its owner, and the supervisor,
nginx and haproxy configuration, then reload the webservers.

Templates are looked up as override_<name> and <name> in the project's template_paths,
./templates, ./config/templates and /etc/deploytool/templates before the built-in
defaults. The connecting user needs sudo on the host.`,
	Args: cobra.ExactArgs(1),
	RunE: runSetup,
}

var keysCmd = &cobra.Command{
	Use:   "keys ENVIRONMENT",
	Short: "Manage the SSH keys allowed to log in as the project user",
	Long: `List the public keys in ~/.ssh and choose to enable one or all of them on the
host, disable all remote keys or show the authorized keys.

With --github the public keys of a GitHub user are authorized instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeys,
}

var webhookCmd = &cobra.Command{
	Use:   "webhook ENVIRONMENT",
	Short: "Register the push webhook of an environment on GitHub",
	Long: `Create a GitHub push webhook for --repo that delivers to the serve command at
<server>/in/<project>/<environment>, signed with the environment's webhook secret.
Requires a token with admin:repo_hook scope in GITHUB_TOKEN.`,
	Example: `  deploytool webhook staging --repo acme/shop --server https://deploy.example.com`,
	Args:    cobra.ExactArgs(1),
	RunE:    runWebhook,
}

func init() {
	home, _ := os.UserHomeDir()

	keysCmd.Flags().StringVar(&keysGitHubUser, "github", "", "Authorize the public keys of this GitHub user")
	keysCmd.Flags().StringVar(&keysLocalDir, "local-dir", filepath.Join(home, ".ssh"), "Directory holding your *.pub files")

	for _, cmd := range []*cobra.Command{keysCmd, webhookCmd} {
		cmd.Flags().StringVar(&githubToken, "github-token", getEnvOrDefault("GITHUB_TOKEN", ""), "GitHub API token")
	}

	webhookCmd.Flags().StringVar(&webhookRepo, "repo", "", "GitHub repository as owner/repo")
	webhookCmd.Flags().StringVar(&webhookServer, "server", getEnvOrDefault("DEPLOYTOOL_SERVER_URL", ""), "Public base URL of the serve command")
	_ = webhookCmd.MarkFlagRequired("repo")
}

func runSetup(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	env := s.Environment

	if !env.HasDatabase() {
		return errors.New("setup needs a database configured for the environment")
	}

	return s.provisionHosts(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		engine := t.Engine
		opts := env.DatabaseOptions()
		if engine.NeedsPassword() && opts.AdminPassword == "" {
			password, err := s.Console.Password(fmt.Sprintf("%s admin password", engine.Name()))
			if err != nil {
				return err
			}
			opts.AdminPassword = password
			if engine, err = database.New(env.Database.Engine, t.Executor, opts); err != nil {
				return err
			}
		}

		setup := &provision.Setup{
			Host:        t.Remote,
			Project:     s.Project,
			Environment: env,
			Layout:      t.Layout,
			Engine:      engine,
			Supervisor:  t.Supervisor,
			Templates:   templates.NewLoader(s.Project.TemplatePaths...),
			Console:     s.Console,
			System:      provision.DefaultSystem(),
			Logger:      s.Logger,
		}
		return setup.Run(ctx)
	})
}

func runKeys(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.provisionHosts(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		keys := &provision.Keys{
			Host:     t.Remote,
			User:     t.Layout.User,
			HomeRoot: provision.DefaultSystem().HomeRoot,
			Console:  s.Console,
			LocalDir: keysLocalDir,
		}

		if keysGitHubUser == "" {
			return keys.Interactive(ctx)
		}

		client := provision.NewGitHubClient(ctx, githubToken)
		added, err := keys.ImportGitHub(ctx, client, keysGitHubUser)
		if err != nil {
			return err
		}
		s.Console.Println(fmt.Sprintf("Authorized %d new keys of %s for %s", added, keysGitHubUser, t.Layout.User))
		return nil
	})
}

func runWebhook(cmd *cobra.Command, args []string) error {
	registry, _, err := loadRegistry()
	if err != nil {
		return err
	}
	proj, err := registry.Default(projectName)
	if err != nil {
		return err
	}
	_, env, err := registry.Environment(proj.Name, args[0])
	if err != nil {
		return err
	}

	secret, err := env.Secret()
	if err != nil {
		return err
	}
	if secret == "" {
		suggestion, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		return fmt.Errorf("environment %s has no webhook secret, set webhook_secret_env and export it, for example:\n  export %s=%s",
			env.Name, webhookEnvName(proj.Name, env.Name), suggestion)
	}
	if githubToken == "" {
		return errors.New("a GitHub token is required, set GITHUB_TOKEN or --github-token")
	}

	base, err := url.Parse(webhookServer)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid --server URL %q", webhookServer)
	}
	deliverTo := strings.TrimRight(base.String(), "/") + "/in/" + proj.Name + "/" + env.Name

	ctx := cmd.Context()
	created, err := provision.CreateWebhook(ctx, provision.NewGitHubClient(ctx, githubToken), webhookRepo, deliverTo, secret)
	if err != nil {
		return err
	}

	c := console.Std()
	if created {
		c.Success("Created webhook delivering to " + deliverTo)
	} else {
		c.Warn("Webhook delivering to " + deliverTo + " already exists")
	}
	return nil
}

// webhookEnvName suggests an environment variable for the webhook secret.
func webhookEnvName(projectName, envName string) string {
	name := strings.ToUpper(projectName + "_" + envName + "_WEBHOOK_SECRET")
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}
