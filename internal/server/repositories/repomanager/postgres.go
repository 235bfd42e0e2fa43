// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors, the field-encryption keyring and
// database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/migrations"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/archives"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/keyparts"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/projects"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/records"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/users"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook. Repositories holding encrypted columns
// share the manager's keyring.
type PostgresRepositoryManager struct {
	kr *cryptox.Keyring
}

// Users returns a users.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db, m.kr)
}

// Projects returns a projects.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Projects(db dbx.DBTX) projects.Repository {
	return projects.NewPostgresRepository(db, m.kr)
}

// Archives returns an archives.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Archives(db dbx.DBTX) archives.Repository {
	return archives.NewPostgresRepository(db)
}

// KeyParts returns a keyparts.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) KeyParts(db dbx.DBTX) keyparts.Repository {
	return keyparts.NewPostgresRepository(db, m.kr)
}

// Records returns a records.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Records(db dbx.DBTX) records.Repository {
	return records.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(kr *cryptox.Keyring) *PostgresRepositoryManager {
	return &PostgresRepositoryManager{kr: kr}
}
