package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"deploytool/internal/console"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var (
	configFile  string
	projectName string
	hostFilter  string
	dbPath      string
	verbose     bool
	assumeYes   bool
)

// Command groups shown by help, mirroring the task categories operators
// know from the list command.
const (
	groupDeployment   = "deployment"
	groupProvisioning = "provisioning"
	groupEnvironments = "environments"
)

var rootCmd = &cobra.Command{
	Use:   "deploytool",
	Short: "Release based deployments of Django sites over SSH",
	Long: `Deploytool provisions virtual hosts, deploys releases of a git repository to them,
backs up and restores their databases and rolls back failed deployments.

Every release lives in its own directory named after the commit it was built from.
The current_instance and previous_instance links select the live and the
rollback release.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Custom usage template that encourages 'help' subcommand pattern
const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} help [command]" for more information about a command.{{end}}
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		console.New(os.Stdin, os.Stderr).Error(err)
		os.Exit(1)
	}
}

func init() {
	// Set custom usage template to encourage 'help' subcommand pattern
	rootCmd.SetUsageTemplate(usageTemplate)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", getEnvOrDefault("DEPLOYTOOL_CONFIG_FILE", ""), "Path to deploytool.yaml")
	flags.StringVarP(&projectName, "project", "p", getEnvOrDefault("DEPLOYTOOL_PROJECT", ""), "Project to work on when several are configured")
	flags.StringVar(&hostFilter, "host", "", "Only run on this host of the environment")
	flags.StringVar(&dbPath, "db", getEnvOrDefault("DEPLOYTOOL_DB_PATH", ""), "Path to the SQLite task history (disabled when empty)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log every remote command")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to confirmations")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupDeployment, Title: "Deployment:"},
		&cobra.Group{ID: groupProvisioning, Title: "Provisioning:"},
		&cobra.Group{ID: groupEnvironments, Title: "Environments:"},
	)

	// Register subcommands
	for _, cmd := range []*cobra.Command{deployCmd, rollbackCmd, restartCmd, pruneCmd, databaseCmd, restoreDatabaseCmd, restoreRemoteDatabaseCmd, mediaCmd, installWheelsCmd} {
		cmd.GroupID = groupDeployment
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{setupCmd, keysCmd, webhookCmd} {
		cmd.GroupID = groupProvisioning
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{statusCmd, sizeCmd, diffCmd, shellCmd, listCmd} {
		cmd.GroupID = groupEnvironments
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
