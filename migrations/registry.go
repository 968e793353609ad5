package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	gateway "github.com/goliatone/go-gateway"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	defaultSourceLabel = "go-gateway"
	migrationsDir      = "data/sql/migrations"
)

// FilesystemSpec is the migration tree of one dialect.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

// RegisterFunc hands one dialect tree to the migration runner, usually
// persistence.Client.RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.SourceLabel = label
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if normalized := normalizeDialects(targets); len(normalized) > 0 {
			r.ValidationTargets = normalized
		}
	}
}

func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		specs := make([]FilesystemSpec, 0, len(filesystems))
		for _, spec := range filesystems {
			spec.Dialect = strings.ToLower(strings.TrimSpace(spec.Dialect))
			if spec.Dialect != "" && spec.FS != nil {
				specs = append(specs, spec)
			}
		}
		if len(specs) > 0 {
			r.Filesystems = specs
		}
	}
}

// Filesystems splits the credential migrations into the postgres tree and
// the sqlite variants. Each tree must hold at least one *.up.sql file.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := gateway.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	postgresFS, postgresPath, err := locateMigrations(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(postgresFS, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: sqlite tree: %w", err)
	}

	specs := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: postgresPath, FS: postgresFS},
		{Dialect: DialectSQLite, Path: joinPath(postgresPath, "sqlite"), FS: sqliteFS},
	}
	for _, spec := range specs {
		ups, err := fs.Glob(spec.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: list %s migrations: %w", spec.Dialect, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: no %s migrations under %q", spec.Dialect, spec.Path)
		}
	}
	return specs, nil
}

// Register passes every targeted dialect tree to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       defaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	specs, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = specs
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	switch {
	case registerFn == nil:
		return reg, fmt.Errorf("migrations: register function is required")
	case strings.TrimSpace(reg.SourceLabel) == "":
		return reg, fmt.Errorf("migrations: source label is required")
	case len(reg.ValidationTargets) == 0:
		return reg, fmt.Errorf("migrations: validation targets are required")
	case len(reg.Filesystems) == 0:
		return reg, fmt.Errorf("migrations: filesystems are required")
	}

	targets := normalizeDialects(reg.ValidationTargets)
	for _, spec := range reg.Filesystems {
		if !slices.Contains(targets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s from %s: %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}

// locateMigrations accepts either the module tree or a directory that
// already holds the .sql files.
func locateMigrations(root fs.FS) (fs.FS, string, error) {
	if _, err := fs.Stat(root, migrationsDir); err == nil {
		sub, err := fs.Sub(root, migrationsDir)
		if err != nil {
			return nil, "", fmt.Errorf("migrations: %w", err)
		}
		return sub, migrationsDir, nil
	}
	if matches, _ := fs.Glob(root, "*.sql"); len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", migrationsDir)
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}

func joinPath(base string, suffix string) string {
	if base == "." {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + suffix
}
