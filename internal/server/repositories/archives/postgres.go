// Package archives persists archived projects and the record of completed
// restorations.
package archives

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const archiveColumns = `id, name, tags, threshold, storage_name, key_id, created_at`

type PostgresRepository struct {
	db    dbx.DBTX
	types *pgtype.Map
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db, types: pgtype.NewMap()}
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.ArchivedProject) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}

	query :=
		`INSERT INTO archived_projects (id, name, tags, threshold, storage_name, key_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at
		 `
	err := r.db.QueryRowContext(ctx, query, a.ID, a.Name, a.Tags, a.Threshold, a.StorageName, a.KeyID).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.ArchivedProject, error) {
	return r.get(ctx, `SELECT `+archiveColumns+` FROM archived_projects WHERE id = $1`, id)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.ArchivedProject, error) {
	return r.get(ctx, `SELECT `+archiveColumns+` FROM archived_projects WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) get(ctx context.Context, query, id string) (*models.ArchivedProject, error) {
	a := &models.ArchivedProject{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(r.dest(a)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) dest(a *models.ArchivedProject) []any {
	return []any{&a.ID, &a.Name, r.types.SQLScanner(&a.Tags), &a.Threshold, &a.StorageName, &a.KeyID, &a.CreatedAt}
}

// Delete removes the archive; its key parts and wrapped copies cascade.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM archived_projects WHERE id = $1`, id)
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

func (r *PostgresRepository) ListCreatedBefore(ctx context.Context, before time.Time) ([]*models.ArchivedProject, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM archived_projects WHERE created_at < $1 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ArchivedProject
	for rows.Next() {
		a := &models.ArchivedProject{}
		if err := rows.Scan(r.dest(a)...); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListStaleRestores(ctx context.Context, before time.Time) ([]string, error) {
	query :=
		`SELECT a.id FROM archived_projects a
		 JOIN archived_project_key_parts k ON k.archived_project_id = a.id
		 WHERE k.decrypted_at IS NOT NULL
		 GROUP BY a.id, a.threshold
		 HAVING max(k.decrypted_at) < $1 AND count(*) < a.threshold
		 `
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
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

func (r *PostgresRepository) RecordRestoration(ctx context.Context, rs *models.ArchiveRestoration, keyPartIDs []string) error {
	query :=
		`INSERT INTO archive_restorations (archived_project_id, project_id, key_part_ids)
		 VALUES ($1, $2, $3)
		 RETURNING restored_at
		 `
	if keyPartIDs == nil {
		keyPartIDs = []string{}
	}
	err := r.db.QueryRowContext(ctx, query, rs.ArchivedProjectID, rs.ProjectID, keyPartIDs).Scan(&rs.RestoredAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRestorationByKeyPart(ctx context.Context, keyPartID string) (*models.ArchiveRestoration, error) {
	query :=
		`SELECT archived_project_id, project_id, restored_at FROM archive_restorations
		 WHERE $1 = ANY(key_part_ids)
		 `
	rs := &models.ArchiveRestoration{}
	err := r.db.QueryRowContext(ctx, query, keyPartID).Scan(&rs.ArchivedProjectID, &rs.ProjectID, &rs.RestoredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rs, nil
}
