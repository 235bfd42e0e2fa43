package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/archives"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/keyparts"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/projects"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/records"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Projects(db dbx.DBTX) projects.Repository
	Archives(db dbx.DBTX) archives.Repository
	KeyParts(db dbx.DBTX) keyparts.Repository
	Records(db dbx.DBTX) records.Repository
}
