package users

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
)

// PostgresRepository stores users and their public keys. Public key material
// is an encrypted field.
type PostgresRepository struct {
	db dbx.DBTX
	kr *cryptox.Keyring
}

func NewPostgresRepository(db dbx.DBTX, kr *cryptox.Keyring) *PostgresRepository {
	return &PostgresRepository{db: db, kr: kr}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {

	query :=
		`INSERT INTO users (username, is_global_archiver)
         VALUES ($1, $2)
		 RETURNING id
		 `

	err := r.db.QueryRowContext(ctx, query, user.UserName, user.IsGlobalArchiver).Scan(&user.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) AddPublicKey(ctx context.Context, key *models.UserPublicKey) (*models.UserPublicKey, error) {
	enc, err := cryptox.EncryptField(r.kr, key.PublicKey)
	if err != nil {
		return nil, err
	}

	query :=
		`INSERT INTO user_public_keys (user_id, name, key_type, public_key)
         VALUES ($1, $2, $3, $4)
		 RETURNING id
		 `

	err = r.db.QueryRowContext(ctx, query, key.UserID, key.Name, key.KeyType, enc).Scan(&key.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return key, nil
}

func (r *PostgresRepository) ListGlobalArchivers(ctx context.Context) ([]*models.User, error) {
	query := `SELECT id, username, is_global_archiver FROM users WHERE is_global_archiver ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanUsers(rows)
}

func (r *PostgresRepository) ListByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, username, is_global_archiver FROM users WHERE id = ANY($1) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanUsers(rows)
}

func (r *PostgresRepository) ListPublicKeys(ctx context.Context, userIDs []string) ([]*models.UserPublicKey, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query :=
		`SELECT id, user_id, name, key_type, public_key FROM user_public_keys
		 WHERE user_id = ANY($1)
		 ORDER BY user_id, id
		 `

	rows, err := r.db.QueryContext(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.UserPublicKey
	for rows.Next() {
		var item models.UserPublicKey
		var enc []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.KeyType, &enc); err != nil {
			return nil, err
		}
		item.PublicKey, err = cryptox.DecryptField(r.kr, enc)
		if err != nil {
			return nil, fmt.Errorf("public key %s: %w", item.ID, err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanUsers(rows *sql.Rows) ([]*models.User, error) {
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		var item models.User
		if err := rows.Scan(&item.ID, &item.UserName, &item.IsGlobalArchiver); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
