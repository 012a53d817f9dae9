package database

import (
	"context"
	"fmt"
	"strings"

	"deploytool/internal/shell"
	"deploytool/pkg/cmdutil"
)

// mysql drives the mysql and mysqldump clients. Passwords travel in
// MYSQL_PWD so they never show up in a process listing.
type mysql struct {
	ex   shell.Executor
	opts Options
}

func (m *mysql) Name() string        { return MySQL }
func (m *mysql) NeedsPassword() bool { return true }

func (m *mysql) admin(ctx context.Context, sql string, args ...string) (*shell.Result, error) {
	line := cmdutil.Join(append([]string{"mysql", "--batch", "--user=" + m.opts.AdminUser}, args...)...)
	return m.ex.Run(ctx, shell.Command{
		Line:    line,
		Stdin:   strings.NewReader(sql),
		Env:     map[string]string{"MYSQL_PWD": m.opts.AdminPassword},
		Secrets: []string{m.opts.AdminPassword},
	})
}

func (m *mysql) asOwner(creds Credentials, line string, sql string) shell.Command {
	cmd := shell.Command{
		Line:    line,
		Env:     map[string]string{"MYSQL_PWD": creds.Password},
		Secrets: []string{creds.Password},
	}
	if sql != "" {
		cmd.Stdin = strings.NewReader(sql)
	}
	return cmd
}

func (m *mysql) Exists(ctx context.Context, name string) (bool, error) {
	result, err := m.admin(ctx, fmt.Sprintf("SHOW DATABASES LIKE %s;\n", mysqlString(name)), "--skip-column-names")
	if err != nil {
		return false, fmt.Errorf("failed to list databases: %w", err)
	}
	for _, line := range strings.Split(result.Output, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), name) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mysql) Create(ctx context.Context, name, owner, password string) error {
	sql := strings.Join([]string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8 COLLATE utf8_general_ci;", mysqlIdent(name)),
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s@'localhost' IDENTIFIED BY %s;", mysqlString(owner), mysqlString(password)),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO %s@'localhost' WITH GRANT OPTION;", mysqlIdent(name), mysqlString(owner)),
		"FLUSH PRIVILEGES;",
	}, "\n") + "\n"

	cmd := shell.Command{
		Line:    cmdutil.Join("mysql", "--batch", "--user="+m.opts.AdminUser),
		Stdin:   strings.NewReader(sql),
		Env:     map[string]string{"MYSQL_PWD": m.opts.AdminPassword},
		Secrets: []string{m.opts.AdminPassword, password},
	}
	if _, err := m.ex.Run(ctx, cmd); err != nil {
		return &OperationError{Op: "create", Database: name, Err: err}
	}
	return nil
}

func (m *mysql) Backup(ctx context.Context, creds Credentials, dest string) error {
	dump := cmdutil.Join("mysqldump", "--user="+creds.User, "--single-transaction", "--routines", creds.Name)
	line := dump + " > " + cmdutil.Quote(dest)
	if compressed(dest) {
		line = pipefail(dump + " | gzip > " + cmdutil.Quote(dest))
	}

	if _, err := m.ex.Run(ctx, m.asOwner(creds, line, "")); err != nil {
		return &OperationError{Op: "backup", Database: creds.Name, Err: err}
	}
	return nil
}

func (m *mysql) Restore(ctx context.Context, creds Credentials, src string) error {
	client := cmdutil.Join("mysql", "--batch", "--user="+creds.User)

	drop := fmt.Sprintf("DROP DATABASE IF EXISTS %s;\n", mysqlIdent(creds.Name))
	if _, err := m.ex.Run(ctx, m.asOwner(creds, client, drop)); err != nil {
		return &OperationError{Op: "drop", Database: creds.Name, Err: err}
	}

	create := fmt.Sprintf("CREATE DATABASE %s CHARACTER SET utf8 COLLATE utf8_general_ci;\n", mysqlIdent(creds.Name))
	if _, err := m.ex.Run(ctx, m.asOwner(creds, client, create)); err != nil {
		return &OperationError{Op: "create", Database: creds.Name, Err: err}
	}

	load := client + " " + cmdutil.Quote(creds.Name) + " < " + cmdutil.Quote(src)
	if compressed(src) {
		load = pipefail("gunzip -c " + cmdutil.Quote(src) + " | " + client + " " + cmdutil.Quote(creds.Name))
	}
	if _, err := m.ex.Run(ctx, m.asOwner(creds, load, "")); err != nil {
		return &OperationError{Op: "restore", Database: creds.Name, Err: err}
	}
	return nil
}

func mysqlIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func mysqlString(s string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}
