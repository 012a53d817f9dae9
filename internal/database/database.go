// Package database manages project databases on a deployment target
// through the engine's command line tools.
package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"deploytool/internal/shell"
	"deploytool/pkg/cmdutil"
)

// Credentials identify a project database and the account that owns it.
type Credentials struct {
	Name     string
	User     string
	Password string
}

// Options configure an engine.
type Options struct {
	// AdminUser is the administrative account used for provisioning.
	AdminUser string

	// AdminPassword authenticates AdminUser where the engine needs it.
	AdminPassword string
}

// Engine is the set of operations every supported database offers.
type Engine interface {
	// Name returns the canonical engine name.
	Name() string

	// NeedsPassword reports whether provisioning needs an administrative
	// password from the operator.
	NeedsPassword() bool

	// Exists reports whether database name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Create creates database name owned by owner, creating the owner
	// account with password if needed.
	Create(ctx context.Context, name, owner, password string) error

	// Backup dumps the database to dest. A ".gz" suffix compresses the dump.
	Backup(ctx context.Context, creds Credentials, dest string) error

	// Restore drops and recreates the database, then loads src. Any
	// failing sub-step aborts the restore with an *OperationError.
	Restore(ctx context.Context, creds Credentials, src string) error
}

const (
	MySQL      = "mysql"
	PostgreSQL = "postgresql"
)

var aliases = map[string]string{
	"mysql":               MySQL,
	"postgresql":          PostgreSQL,
	"postgres":            PostgreSQL,
	"postgresql_psycopg2": PostgreSQL,
}

// Names returns the accepted engine names.
func Names() []string {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical maps an accepted engine name to its canonical form.
func Canonical(name string) (string, bool) {
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

// New returns the engine registered under name.
func New(name string, ex shell.Executor, opts Options) (Engine, error) {
	canonical, ok := Canonical(name)
	if !ok {
		return nil, &UnsupportedEngineError{Name: name}
	}

	switch canonical {
	case MySQL:
		if opts.AdminUser == "" {
			opts.AdminUser = "root"
		}
		return &mysql{ex: ex, opts: opts}, nil
	default:
		return &postgres{ex: ex, opts: opts}, nil
	}
}

// UnsupportedEngineError is returned for unknown engine names.
type UnsupportedEngineError struct {
	Name string
}

func (e *UnsupportedEngineError) Error() string {
	return fmt.Sprintf("unsupported database engine %q (supported: %s)", e.Name, strings.Join(Names(), ", "))
}

// OperationError reports a failed drop, create, backup or restore step.
type OperationError struct {
	Op       string
	Database string
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("could not %s database %s: %v", e.Op, e.Database, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Bound ties an engine to one project's credentials.
type Bound struct {
	Engine      Engine
	Credentials Credentials
}

// Backup dumps the bound database to dest.
func (b *Bound) Backup(ctx context.Context, dest string) error {
	return b.Engine.Backup(ctx, b.Credentials, dest)
}

// Restore reloads the bound database from src.
func (b *Bound) Restore(ctx context.Context, src string) error {
	return b.Engine.Restore(ctx, b.Credentials, src)
}

func compressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// pipefail runs line under bash so a failing producer in a pipe fails
// the whole line.
func pipefail(line string) string {
	return "bash -o pipefail -c " + cmdutil.Quote(line)
}
