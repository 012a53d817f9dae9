package database

import (
	"context"
	"fmt"
	"strings"

	"deploytool/internal/shell"
	"deploytool/pkg/cmdutil"
)

// postgres drives createdb, dropdb, pg_dump and psql. Backups and
// restores run as the connected account and rely on peer authentication;
// provisioning runs as AdminUser when one is configured.
type postgres struct {
	ex   shell.Executor
	opts Options
}

func (p *postgres) Name() string        { return PostgreSQL }
func (p *postgres) NeedsPassword() bool { return false }

func (p *postgres) admin(line string, stdin string, secrets ...string) shell.Command {
	cmd := shell.Command{Line: line, User: p.opts.AdminUser, Secrets: secrets}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd
}

func (p *postgres) Exists(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM pg_database WHERE datname = %s;\n", pgString(name))
	line := cmdutil.Join("psql", "--dbname=postgres", "--tuples-only", "--no-align", "-v", "ON_ERROR_STOP=1")

	result, err := p.ex.Run(ctx, p.admin(line, query))
	if err != nil {
		return false, fmt.Errorf("failed to list databases: %w", err)
	}
	return strings.TrimSpace(result.Output) == "1", nil
}

func (p *postgres) Create(ctx context.Context, name, owner, password string) error {
	role := fmt.Sprintf(`DO $$
BEGIN
    IF NOT EXISTS (SELECT FROM pg_roles WHERE rolname = %s) THEN
        CREATE ROLE %s LOGIN PASSWORD %s;
    END IF;
END
$$;
`, pgString(owner), pgIdent(owner), pgString(password))

	psql := cmdutil.Join("psql", "--dbname=postgres", "--quiet", "-v", "ON_ERROR_STOP=1")
	if _, err := p.ex.Run(ctx, p.admin(psql, role, password)); err != nil {
		return &OperationError{Op: "create", Database: name, Err: fmt.Errorf("role %s: %w", owner, err)}
	}

	if _, err := p.ex.Run(ctx, p.admin(createdb(name, owner), "")); err != nil {
		return &OperationError{Op: "create", Database: name, Err: err}
	}
	return nil
}

func (p *postgres) Backup(ctx context.Context, creds Credentials, dest string) error {
	dump := cmdutil.Join("pg_dump", "--no-owner", creds.Name)
	line := dump + " > " + cmdutil.Quote(dest)
	if compressed(dest) {
		line = pipefail(dump + " | gzip > " + cmdutil.Quote(dest))
	}

	if _, err := p.ex.Run(ctx, shell.Command{Line: line}); err != nil {
		return &OperationError{Op: "backup", Database: creds.Name, Err: err}
	}
	return nil
}

func (p *postgres) Restore(ctx context.Context, creds Credentials, src string) error {
	if _, err := p.ex.Run(ctx, shell.Command{Line: cmdutil.Join("dropdb", "--if-exists", creds.Name)}); err != nil {
		return &OperationError{Op: "drop", Database: creds.Name, Err: err}
	}

	if _, err := p.ex.Run(ctx, shell.Command{Line: createdb(creds.Name, creds.User)}); err != nil {
		return &OperationError{Op: "create", Database: creds.Name, Err: err}
	}

	psql := cmdutil.Join("psql", "--quiet", "-v", "ON_ERROR_STOP=1", "-d", creds.Name)
	load := psql + " -f " + cmdutil.Quote(src)
	if compressed(src) {
		load = pipefail("gunzip -c " + cmdutil.Quote(src) + " | " + psql)
	}
	if _, err := p.ex.Run(ctx, shell.Command{Line: load}); err != nil {
		return &OperationError{Op: "restore", Database: creds.Name, Err: err}
	}
	return nil
}

func createdb(name, owner string) string {
	return cmdutil.Join("createdb", name, "--owner="+owner, "--encoding=utf8", "--template=template0")
}

func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
