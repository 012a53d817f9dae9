package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"deploytool/internal/console"
	"deploytool/internal/history"
	"deploytool/internal/target"

	"github.com/spf13/cobra"
)

// recentTasks is the number of local history entries status prints.
const recentTasks = 5

var diffFull bool

var statusCmd = &cobra.Command{
	Use:   "status ENVIRONMENT",
	Short: "Show the deployed releases and recent tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var sizeCmd = &cobra.Command{
	Use:   "size ENVIRONMENT",
	Short: "Show the disk usage of the deployed source and media",
	Args:  cobra.ExactArgs(1),
	RunE:  runSize,
}

var diffCmd = &cobra.Command{
	Use:   "diff ENVIRONMENT [full]",
	Short: "Show the changes between the deployed commit and HEAD",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDiff,
}

var shellCmd = &cobra.Command{
	Use:   "shell ENVIRONMENT",
	Short: "Open an interactive shell on a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runShell,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured projects, environments and hosts",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	diffCmd.Flags().BoolVar(&diffFull, "full", false, "Show the full patch instead of a per-file summary")
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	c := s.Console

	err = s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		st, err := t.Status(ctx)
		if err != nil {
			return err
		}
		snap, err := t.Manager.Inspect(ctx)
		if err != nil {
			return err
		}

		c.Step("\nCurrent instance:")
		printOrNone(c, st.Current, "[none]")
		c.Step("\nPrevious instance:")
		printOrNone(c, st.Previous, "[none]")

		c.Step("\nReleases:")
		if len(snap.Releases) == 0 {
			c.Println(c.Red("[none]"))
		}
		for _, r := range snap.Releases {
			c.Printf("%-45s %-9s %s\n", r.Name, r.State, r.ModTime.Format("2006-01-02 15:04"))
		}

		c.Step("\nFabric log:")
		printOrNone(c, st.Journal, "[empty]")
		return nil
	})
	if err != nil || s.History == nil {
		return err
	}

	tasks, err := s.History.GetTaskHistory(cmd.Context(), s.Project.Name, s.Environment.Name, recentTasks)
	if err != nil {
		return err
	}
	c.Step("\nLocal task history:")
	if len(tasks) == 0 {
		c.Println(c.Red("[empty]"))
	}
	for _, task := range tasks {
		c.Println(formatTask(task))
	}
	return nil
}

func printOrNone(c *console.Console, value, none string) {
	if value == "" {
		c.Println(c.Red(none))
		return
	}
	c.Println(value)
}

func formatTask(task history.TaskRecord) string {
	line := fmt.Sprintf("[%s] %s %s on %s by %s (%s)",
		task.StartedAt.Local().Format("2006-01-02 15:04"), task.Task, task.Status, task.Host, task.User, task.Trigger)
	if task.Stamp != "" {
		line += " for " + task.Stamp
	}
	if task.ErrorMessage != nil && *task.ErrorMessage != "" {
		line += ": " + *task.ErrorMessage
	}
	return line
}

func runSize(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	c := s.Console

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		size, err := t.Size(ctx)
		if err != nil {
			return err
		}
		c.Step("\nCurrent size of entire project:")
		if size.Source != "" {
			c.Printf("%s\tsource\n", size.Source)
		}
		c.Printf("%s\tmedia\n", size.Media)
		return nil
	})
}

func runDiff(cmd *cobra.Command, args []string) error {
	full := diffFull
	if len(args) == 2 {
		if args[1] != "full" {
			return fmt.Errorf("unknown argument %q, only full is accepted", args[1])
		}
		full = true
	}

	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.eachHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		diff, err := t.Diff(ctx, "HEAD", full)
		if err != nil {
			return err
		}
		s.Console.Step("\nChanged files compared to " + t.Name() + ":")
		s.Console.Println(diff)
		return nil
	})
}

func runShell(cmd *cobra.Command, args []string) error {
	s, closeFn, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	return s.firstHost(cmd.Context(), func(ctx context.Context, t *target.Target) error {
		return t.Executor.Shell(ctx, os.Stdin, s.Console.Out(), os.Stderr)
	})
}

func runList(cmd *cobra.Command, args []string) error {
	registry, path, err := loadRegistry()
	if err != nil {
		return err
	}
	c := console.Std()

	var latest map[string]*history.TaskRecord
	if dbPath != "" {
		hist, err := history.NewHistory(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open task history: %w", err)
		}
		defer hist.Close()
		if latest, err = hist.GetAllStatus(cmd.Context()); err != nil {
			return err
		}
	}

	c.Println("Configuration: " + path)
	for _, name := range registry.List() {
		proj, _ := registry.Get(name)
		c.Step("\n" + name)
		for _, envName := range proj.EnvironmentNames() {
			env := proj.Environments[envName]
			hosts := make([]string, 0, len(env.Hosts))
			for _, h := range env.Hosts {
				hosts = append(hosts, h.Address)
			}
			sort.Strings(hosts)

			var extras []string
			if env.HasDatabase() {
				extras = append(extras, env.Database.Engine)
			}
			if env.WebhookSecret != "" {
				extras = append(extras, "webhook")
			}
			c.Printf("  %-12s %-20s branch %-10s %s", envName, env.FullName(), env.Branch, strings.Join(hosts, ", "))
			if len(extras) > 0 {
				c.Printf(" [%s]", strings.Join(extras, ", "))
			}
			c.Println()
			if task, ok := latest[name+"/"+envName]; ok {
				c.Println("    last: " + formatTask(*task))
			}
		}
	}
	return nil
}
