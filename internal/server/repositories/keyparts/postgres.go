// Package keyparts persists archive key parts and their copies wrapped for
// the owners' public keys. Both the issued and the submitted share are
// encrypted fields.
package keyparts

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
)

const keyPartColumns = `id, archived_project_id, user_id, encrypted_key_part, key_part, decrypted_at`

type PostgresRepository struct {
	db dbx.DBTX
	kr *cryptox.Keyring
}

func NewPostgresRepository(db dbx.DBTX, kr *cryptox.Keyring) *PostgresRepository {
	return &PostgresRepository{db: db, kr: kr}
}

func (r *PostgresRepository) Create(ctx context.Context, kp *models.ArchivedProjectKeyPart) error {
	if kp.ID == "" {
		kp.ID = uuid.NewString()
	}

	share, err := cryptox.EncryptField(r.kr, kp.Share)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO archived_project_key_parts (id, archived_project_id, user_id, encrypted_key_part)
		 VALUES ($1, $2, $3, $4)
		 `
	if _, err := r.db.ExecContext(ctx, query, kp.ID, kp.ArchivedProjectID, kp.UserID, share); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateWrapped(ctx context.Context, w *models.PublicKeyEncryptedKeyPart) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	data, err := cryptox.EncryptField(r.kr, w.EncryptedData)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO archived_project_public_key_encrypted_key_parts (id, key_part_id, public_key_id, encrypted_data)
		 VALUES ($1, $2, $3, $4)
		 `
	if _, err := r.db.ExecContext(ctx, query, w.ID, w.KeyPartID, w.PublicKeyID, data); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.ArchivedProjectKeyPart, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+keyPartColumns+` FROM archived_project_key_parts WHERE id = $1`, id)

	kp, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, err
	}
	return kp, nil
}

func (r *PostgresRepository) ListByArchive(ctx context.Context, archiveID string) ([]*models.ArchivedProjectKeyPart, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+keyPartColumns+` FROM archived_project_key_parts WHERE archived_project_id = $1 ORDER BY id`, archiveID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ArchivedProjectKeyPart
	for rows.Next() {
		kp, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, kp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scan(s scanner) (*models.ArchivedProjectKeyPart, error) {
	kp := &models.ArchivedProjectKeyPart{}
	var share, keyPart []byte
	if err := s.Scan(&kp.ID, &kp.ArchivedProjectID, &kp.UserID, &share, &keyPart, &kp.DecryptedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	var err error
	if kp.Share, err = cryptox.DecryptField(r.kr, share); err != nil {
		return nil, fmt.Errorf("key part %s: %w", kp.ID, err)
	}
	if kp.KeyPart, err = cryptox.DecryptField(r.kr, keyPart); err != nil {
		return nil, fmt.Errorf("key part %s: %w", kp.ID, err)
	}
	return kp, nil
}

func (r *PostgresRepository) ListWrapped(ctx context.Context, keyPartID string) ([]*models.PublicKeyEncryptedKeyPart, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, key_part_id, public_key_id, encrypted_data FROM archived_project_public_key_encrypted_key_parts
		 WHERE key_part_id = $1 ORDER BY id`, keyPartID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.PublicKeyEncryptedKeyPart
	for rows.Next() {
		w := &models.PublicKeyEncryptedKeyPart{}
		var data []byte
		if err := rows.Scan(&w.ID, &w.KeyPartID, &w.PublicKeyID, &data); err != nil {
			return nil, err
		}
		if w.EncryptedData, err = cryptox.DecryptField(r.kr, data); err != nil {
			return nil, fmt.Errorf("wrapped key part %s: %w", w.ID, err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) MarkDecrypted(ctx context.Context, id string, share []byte, at time.Time) error {
	enc, err := cryptox.EncryptField(r.kr, share)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE archived_project_key_parts SET key_part = $2, decrypted_at = $3 WHERE id = $1`, id, enc, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) ResetDecrypted(ctx context.Context, archiveID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE archived_project_key_parts SET key_part = NULL, decrypted_at = NULL
		 WHERE archived_project_id = $1 AND (key_part IS NOT NULL OR decrypted_at IS NOT NULL)`, archiveID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
