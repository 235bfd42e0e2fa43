// Package projects persists live projects with their members and files.
package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// PostgresRepository implements Repository over a dbx.DBTX. Project data and
// file names are encrypted fields.
type PostgresRepository struct {
	db    dbx.DBTX
	kr    *cryptox.Keyring
	types *pgtype.Map
}

func NewPostgresRepository(db dbx.DBTX, kr *cryptox.Keyring) *PostgresRepository {
	return &PostgresRepository{db: db, kr: kr, types: pgtype.NewMap()}
}

// Create inserts p together with its members and files. An empty ID is
// replaced with a fresh UUID.
func (r *PostgresRepository) Create(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}

	data, err := cryptox.EncryptField(r.kr, p.Data)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO projects (id, name, tags, readonly, readonly_since, data)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at
		 `
	err = r.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Tags, p.ReadOnly, p.ReadOnlySince, data).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	for _, userID := range p.Members {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)`, p.ID, userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}

	for _, f := range p.Files {
		if err := r.createFile(ctx, p.ID, f); err != nil {
			return err
		}
	}

	return nil
}

func (r *PostgresRepository) createFile(ctx context.Context, projectID string, f *models.ProjectFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.ProjectID = projectID

	name, err := cryptox.EncryptField(r.kr, []byte(f.Name))
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO project_files (id, project_id, name, storage_name) VALUES ($1, $2, $3, $4)`,
		f.ID, projectID, name, f.StorageName); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO project_files_history (id, name, storage_name) VALUES ($1, $2, $3)`,
		f.ID, name, f.StorageName); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

// Get loads a project with its members and files.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Project, error) {
	query :=
		`SELECT id, name, tags, readonly, readonly_since, data, created_at, updated_at FROM projects
		 WHERE id = $1
		 `

	p := &models.Project{}
	var data []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, r.types.SQLScanner(&p.Tags), &p.ReadOnly, &p.ReadOnlySince, &data, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if p.Data, err = cryptox.DecryptField(r.kr, data); err != nil {
		return nil, fmt.Errorf("project %s data: %w", id, err)
	}

	if p.Members, err = r.ListMembers(ctx, id); err != nil {
		return nil, err
	}

	if p.Files, err = r.listFiles(ctx, id); err != nil {
		return nil, err
	}

	return p, nil
}

func (r *PostgresRepository) listFiles(ctx context.Context, projectID string) ([]*models.ProjectFile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, storage_name FROM project_files WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ProjectFile
	for rows.Next() {
		f := &models.ProjectFile{ProjectID: projectID}
		var name []byte
		if err := rows.Scan(&f.ID, &name, &f.StorageName); err != nil {
			return nil, err
		}
		plain, err := cryptox.DecryptField(r.kr, name)
		if err != nil {
			return nil, fmt.Errorf("file %s name: %w", f.ID, err)
		}
		f.Name = string(plain)
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a project together with the history of its files; members
// and files cascade. File blobs are left to the caller.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM project_files_history WHERE id IN (SELECT id FROM project_files WHERE project_id = $1)`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// StorageNameInUse reports whether any file or file history row still
// references the blob.
func (r *PostgresRepository) StorageNameInUse(ctx context.Context, storageName string) (bool, error) {
	query :=
		`SELECT EXISTS (SELECT 1 FROM project_files WHERE storage_name = $1)
		     OR EXISTS (SELECT 1 FROM project_files_history WHERE storage_name = $1)
		 `
	var used bool
	if err := r.db.QueryRowContext(ctx, query, storageName).Scan(&used); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return used, nil
}

func (r *PostgresRepository) ListMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM project_members WHERE project_id = $1 ORDER BY user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanIDs(rows)
}

// ListIdleReadOnly returns read-only projects that became read-only before
// the given time.
func (r *PostgresRepository) ListIdleReadOnly(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM projects WHERE readonly AND readonly_since < $1 ORDER BY readonly_since`, before)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanIDs(rows)
}

// SetReadOnly toggles the read-only flag. readonly_since is set to at when
// the flag is raised and cleared when it is dropped.
func (r *PostgresRepository) SetReadOnly(ctx context.Context, id string, readOnly bool, at time.Time) error {
	var since *time.Time
	if readOnly {
		since = &at
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET readonly = $2, readonly_since = $3, updated_at = now() WHERE id = $1`,
		id, readOnly, since)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
