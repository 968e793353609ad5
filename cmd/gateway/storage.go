package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/goliatone/go-gateway/adapters/gologger"
	"github.com/goliatone/go-gateway/core"
	gatewaymigrations "github.com/goliatone/go-gateway/migrations"
	"github.com/goliatone/go-gateway/security"
	sqlstore "github.com/goliatone/go-gateway/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool                { return false }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-gateway" }

// openSQLBackend connects the shared credential table, applies migrations
// and returns the backend sealed with the key at keyFile.
func openSQLBackend(ctx context.Context, storage core.StorageConfig, keyFile string) (core.CredentialBackend, func(), error) {
	driver, dialectName, dialect, err := sqlDialect(storage.SQLDriver)
	if err != nil {
		return nil, nil, err
	}
	dsn := strings.TrimSpace(storage.SQLDSN)
	if dsn == "" {
		return nil, nil, fmt.Errorf("gateway: storage.sql_dsn is required for driver %q", storage.SQLDriver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: open %s: %w", driver, err)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, server: dsn}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("gateway: persistence client: %w", err)
	}
	closeClient := func() { _ = client.Close() }

	if _, err := gatewaymigrations.Register(ctx, func(_ context.Context, fsDialect string, _ string, fsys fs.FS) error {
		if fsDialect == dialectName {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, gatewaymigrations.WithValidationTargets(dialectName)); err != nil {
		closeClient()
		return nil, nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("gateway: migrate credentials: %w", err)
	}

	if strings.TrimSpace(keyFile) == "" {
		keyFile = filepath.Join(storage.Dir, "sql.key")
	}
	key, err := security.LoadOrCreateKey(keyFile)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	sealer, err := security.NewAESGCMSealer(key, security.WithKeyID("sql"))
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sealer)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	return factory.CredentialBackend(), closeClient, nil
}

func sqlDialect(driver string) (string, string, schema.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return "postgres", gatewaymigrations.DialectPostgres, pgdialect.New(), nil
	case "sqlite", "sqlite3":
		return "sqlite3", gatewaymigrations.DialectSQLite, sqlitedialect.New(), nil
	default:
		return "", "", nil, fmt.Errorf("gateway: unsupported sql driver %q", driver)
	}
}

func storeDiagnosticsLogger(logger *gologger.ZapLogger) security.StoreDiagnosticHook {
	named := logger.Named("store")
	return func(event security.StoreDiagnostic) {
		named.Warn("credential backend failure",
			"operation", event.Operation,
			"backend", event.Backend,
			"outcome", event.Outcome,
			"error", event.Error,
		)
	}
}
