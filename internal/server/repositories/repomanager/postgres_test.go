package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/archives"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/keyparts"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/projects"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/records"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/users"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func TestNewPostgresRepositoryManager_ReturnsInterface(t *testing.T) {
	var _ RepositoryManager = NewPostgresRepositoryManager(nil)
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	kr, err := cryptox.NewKeyring(nil, "", true)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	m := NewPostgresRepositoryManager(kr)

	if u := m.Users(db); u == nil {
		t.Fatal("Users() nil")
	}
	if p := m.Projects(db); p == nil {
		t.Fatal("Projects() nil")
	}
	if a := m.Archives(db); a == nil {
		t.Fatal("Archives() nil")
	}
	if k := m.KeyParts(db); k == nil {
		t.Fatal("KeyParts() nil")
	}
	if r := m.Records(db); r == nil {
		t.Fatal("Records() nil")
	}

	var _ users.Repository = m.Users(db)
	var _ projects.Repository = m.Projects(db)
	var _ archives.Repository = m.Archives(db)
	var _ keyparts.Repository = m.KeyParts(db)
	var _ records.Repository = m.Records(db)
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		if len(opts) != 0 {
			return errors.New("unexpected opts")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{}
	if err := m.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations error: %v", err)
	}
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{}
	if err := m.RunMigrations(context.Background(), db); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}
