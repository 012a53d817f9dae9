package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"deploytool/internal/console"
	"deploytool/internal/history"
	"deploytool/internal/project"
	"deploytool/internal/target"
	"deploytool/pkg/fileutil"
)

// session holds what every environment command needs.
type session struct {
	Project     *project.Project
	Environment *project.Environment
	Console     *console.Console
	History     *history.History
	Logger      *slog.Logger
}

// hostTask runs on one connected host.
type hostTask func(ctx context.Context, t *target.Target) error

// loadRegistry reads the configuration from --config or the first default
// location that exists.
func loadRegistry() (*project.Registry, string, error) {
	path := configFile
	if path == "" {
		searchPaths := fileutil.DefaultConfigPaths(project.ConfigFileName)
		path = fileutil.SearchPathsOptional(searchPaths)
		if path == "" {
			fmt.Fprintf(os.Stderr, "No configuration file found in default locations:\n")
			for _, p := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return nil, "", fmt.Errorf("configuration file not found")
		}
	}

	_, projects, err := project.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return project.NewRegistry(projects), path, nil
}

// cliLogger logs to stderr as text: warnings only, or everything with
// --verbose.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openSession resolves envName in the selected project and opens the task
// history when --db is set. The caller must call close.
func openSession(envName string) (*session, func(), error) {
	registry, _, err := loadRegistry()
	if err != nil {
		return nil, nil, err
	}
	proj, err := registry.Default(projectName)
	if err != nil {
		return nil, nil, err
	}
	_, env, err := registry.Environment(proj.Name, envName)
	if err != nil {
		return nil, nil, err
	}

	s := &session{
		Project:     proj,
		Environment: env,
		Console:     console.Std(),
		Logger:      cliLogger(),
	}
	closeFn := func() {}
	if dbPath != "" {
		hist, err := history.NewHistory(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open task history: %w", err)
		}
		s.History = hist
		closeFn = func() { hist.Close() }
	}
	return s, closeFn, nil
}

// hosts returns the hosts selected with --host, or all of them.
func (s *session) hosts() ([]project.Host, error) {
	if hostFilter == "" {
		return s.Environment.Hosts, nil
	}
	for _, h := range s.Environment.Hosts {
		if h.Address == hostFilter {
			return []project.Host{h}, nil
		}
	}
	return nil, fmt.Errorf("host %s is not part of environment %s", hostFilter, s.Environment.Name)
}

// eachHost connects to the selected hosts in turn and runs task, stopping
// at the first failure.
func (s *session) eachHost(ctx context.Context, task hostTask) error {
	return s.run(ctx, false, false, task)
}

// firstHost runs task on the first selected host only.
func (s *session) firstHost(ctx context.Context, task hostTask) error {
	return s.run(ctx, true, false, task)
}

// provisionHosts is eachHost for hosts that may not have database
// credentials yet.
func (s *session) provisionHosts(ctx context.Context, task hostTask) error {
	return s.run(ctx, false, true, task)
}

func (s *session) run(ctx context.Context, first, provisioning bool, task hostTask) error {
	hosts, err := s.hosts()
	if err != nil {
		return err
	}
	if first {
		hosts = hosts[:1]
	}

	src, err := target.OpenSource(s.Project, s.Logger)
	if err != nil {
		return err
	}
	s.Logger.Debug("opened repository", "root", src.Root(), "hosts", len(hosts))

	for _, h := range hosts {
		if len(hosts) > 1 {
			s.Console.Println(s.Console.Yellow(fmt.Sprintf("\n== %s", h.Address)))
		}
		t, err := target.Open(ctx, target.Options{
			Project:      s.Project,
			Environment:  s.Environment,
			Host:         h,
			History:      s.History,
			Console:      s.Console,
			Source:       src,
			Logger:       s.Logger,
			Provisioning: provisioning,
		})
		if err != nil {
			return err
		}
		err = task(ctx, t)
		t.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

// confirm asks question unless --yes was given.
func (s *session) confirm(question string) bool {
	if assumeYes {
		return true
	}
	return s.Console.Confirm(s.Console.Yellow(question), false)
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
