// Package records gives the rotation pass generic access to encrypted
// columns and blob references of any table.
package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/jackc/pgx/v5"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (r *PostgresRepository) Scan(ctx context.Context, table, keyColumn string, columns []string, after string, limit int) ([]Record, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("scan %s: no columns", table)
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = ident(c)
	}
	key := ident(keyColumn)

	query := fmt.Sprintf(`SELECT %s::text, %s FROM %s WHERE %s::text > $1 ORDER BY %s::text LIMIT $2`,
		key, strings.Join(cols, ", "), ident(table), key, key)

	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec := Record{Values: make([][]byte, len(columns))}
		dest := make([]any, 0, len(columns)+1)
		dest = append(dest, &rec.Key)
		for i := range rec.Values {
			dest = append(dest, &rec.Values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Update(ctx context.Context, table, keyColumn, key string, columns []string, old, values [][]byte) (bool, error) {
	if len(columns) == 0 || len(columns) != len(values) || len(columns) != len(old) {
		return false, fmt.Errorf("update %s: %d columns, %d old, %d new values", table, len(columns), len(old), len(values))
	}

	n := len(columns)
	sets := make([]string, n)
	conds := make([]string, n)
	args := make([]any, 0, 2*n+1)
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", ident(c), i+1)
		conds[i] = fmt.Sprintf("%s IS NOT DISTINCT FROM $%d", ident(c), n+i+2)
		args = append(args, values[i])
	}
	args = append(args, key)
	for _, v := range old {
		args = append(args, v)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s::text = $%d AND %s`,
		ident(table), strings.Join(sets, ", "), ident(keyColumn), n+1, strings.Join(conds, " AND "))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return affected > 0, nil
}

func (r *PostgresRepository) StorageNames(ctx context.Context, table, column, after string, limit int) ([]string, error) {
	col := ident(column)
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2`,
		col, ident(table), col, col)

	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result = append(result, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ReplaceStorageName(ctx context.Context, table, column, oldName, newName string) (int64, error) {
	col := ident(column)
	query := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE %s = $1`, ident(table), col, col)

	res, err := r.db.ExecContext(ctx, query, oldName, newName)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
