// Package rotation re-encrypts stored data under the keyring's current
// default key, or back to plaintext. Column values are rewritten row by row;
// blobs are rewritten once per storage name and every referencing row is
// repointed at the new copy.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/sealkeeper/internal/blobstore"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/metrics"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/records"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultBatchSize = 500

// ColumnSet is a table with encrypted columns. History tables are ordinary
// column sets keyed by history_id.
type ColumnSet struct {
	Table     string
	KeyColumn string
	Columns   []string
}

// BlobRef is a column holding storage names of one BlobSet. Columns, if
// set, are additional encrypted columns of the same table, rotated like a
// ColumnSet keyed by KeyColumn.
type BlobRef struct {
	Table         string
	KeyColumn     string
	StorageColumn string
	Columns       []string
}

// BlobSet is a blob store and every column referencing its blobs.
type BlobSet struct {
	Store  *blobstore.EncryptedStore
	Prefix string
	Refs   []BlobRef
}

// RecordsFactory is satisfied by repomanager.RepositoryManager.
type RecordsFactory interface {
	Records(db dbx.DBTX) records.Repository
}

type Pass struct {
	Transactor dbx.Transactor
	Repos      RecordsFactory
	Keyring    *cryptox.Keyring
	Columns    []ColumnSet
	Blobs      []BlobSet

	// DecryptAll rewrites everything as plaintext.
	DecryptAll bool
	BatchSize  int
	Logger     logging.Logger
}

// Report counts the outcome of one Run.
type Report struct {
	FieldsRotated int
	FieldsSkipped int
	BlobsRotated  int
	BlobsSkipped  int
	Failures      int
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

// keyring is what values are read and written with. Plaintext fallback is
// always on so legacy values can be migrated; DecryptAll also disables the
// default key.
func (p *Pass) keyring() *cryptox.Keyring {
	if p.DecryptAll {
		return p.Keyring.WithoutDefault()
	}
	return p.Keyring.WithPlaintextFallback()
}

func (p *Pass) logger() logging.Logger {
	if p.Logger == nil {
		return logging.NewNopLogger()
	}
	return p.Logger
}

// Run rotates every column set and blob set. Per-value failures are
// collected and returned joined; they never undo other rewrites.
func (p *Pass) Run(ctx context.Context) (rep Report, err error) {
	ctx, span := otel.Tracer("sealkeeper/rotation").Start(ctx, "rotation.run", trace.WithAttributes(
		attribute.Bool("rotation.decrypt_all", p.DecryptAll),
		attribute.String("rotation.target_key", p.keyring().DefaultID()),
	))
	defer func() { endSpan(span, err) }()

	kr := p.keyring()
	if !p.DecryptAll && kr.Default() == nil {
		return rep, fmt.Errorf("%w: no default key configured", cryptox.ErrMissingKey)
	}

	var errs []error
	for _, cs := range p.columnSets() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		errs = append(errs, p.rotateColumns(ctx, kr, cs, &rep)...)
	}
	for _, bs := range p.Blobs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		errs = append(errs, p.rotateBlobs(ctx, kr, bs, &rep)...)
	}

	rep.Failures = len(errs)
	span.SetAttributes(
		attribute.Int("rotation.fields_rotated", rep.FieldsRotated),
		attribute.Int("rotation.blobs_rotated", rep.BlobsRotated),
		attribute.Int("rotation.failures", rep.Failures),
	)
	p.logger().Info(ctx, "rotation pass finished",
		"fields_rotated", rep.FieldsRotated, "fields_skipped", rep.FieldsSkipped,
		"blobs_rotated", rep.BlobsRotated, "blobs_skipped", rep.BlobsSkipped,
		"failures", rep.Failures)
	return rep, errors.Join(errs...)
}

func (p *Pass) columnSets() []ColumnSet {
	sets := append([]ColumnSet(nil), p.Columns...)
	for _, bs := range p.Blobs {
		for _, ref := range bs.Refs {
			if len(ref.Columns) > 0 {
				sets = append(sets, ColumnSet{Table: ref.Table, KeyColumn: ref.KeyColumn, Columns: ref.Columns})
			}
		}
	}
	return sets
}

func (p *Pass) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return defaultBatchSize
}

func (p *Pass) rotateColumns(ctx context.Context, kr *cryptox.Keyring, cs ColumnSet, rep *Report) []error {
	var (
		errs  []error
		after string
	)
	for {
		var batch []records.Record
		err := p.Transactor.WithTx(ctx, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
			var err error
			batch, err = p.Repos.Records(tx).Scan(ctx, cs.Table, cs.KeyColumn, cs.Columns, after, p.batchSize())
			return err
		})
		if err != nil {
			// Without a batch there is no way to make progress on this table.
			return append(errs, fmt.Errorf("scan %s after %q: %w", cs.Table, after, err))
		}

		for _, rec := range batch {
			if err := p.rotateRecord(ctx, kr, cs, rec, rep); err != nil {
				metrics.RotationErrorsTotal.Inc()
				p.logger().Warn(ctx, "rotate record failed", "table", cs.Table, "key", rec.Key, "error", err)
				errs = append(errs, fmt.Errorf("%s %s: %w", cs.Table, rec.Key, err))
			}
		}

		if len(batch) < p.batchSize() {
			return errs
		}
		after = batch[len(batch)-1].Key
	}
}

func (p *Pass) rotateRecord(ctx context.Context, kr *cryptox.Keyring, cs ColumnSet, rec records.Record, rep *Report) error {
	var (
		cols        []string
		old, sealed [][]byte
	)
	for i, value := range rec.Values {
		if !cryptox.NeedsRotation(kr, value) {
			rep.FieldsSkipped++
			continue
		}
		plain, err := cryptox.DecryptField(kr, value)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", cs.Columns[i], err)
		}
		v, err := cryptox.EncryptField(kr, plain)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", cs.Columns[i], err)
		}
		cols = append(cols, cs.Columns[i])
		old = append(old, value)
		sealed = append(sealed, v)
	}
	if len(cols) == 0 {
		return nil
	}

	var changed bool
	err := p.Transactor.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		changed, err = p.Repos.Records(tx).Update(ctx, cs.Table, cs.KeyColumn, rec.Key, cols, old, sealed)
		return err
	})
	if err != nil {
		return err
	}
	if !changed {
		// Rewritten concurrently, the new value went through the current keyring.
		rep.FieldsSkipped += len(cols)
		return nil
	}
	rep.FieldsRotated += len(cols)
	metrics.RotatedValuesTotal.WithLabelValues("field").Add(float64(len(cols)))
	return nil
}

func (p *Pass) rotateBlobs(ctx context.Context, kr *cryptox.Keyring, bs BlobSet, rep *Report) []error {
	names, err := p.storageNames(ctx, bs)
	if err != nil {
		return []error{err}
	}

	store := bs.Store.WithKeyring(kr)
	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		rotated, err := p.rotateBlob(ctx, kr, store, bs, name)
		if err != nil {
			metrics.RotationErrorsTotal.Inc()
			p.logger().Warn(ctx, "rotate blob failed", "storage_name", name, "error", err)
			errs = append(errs, fmt.Errorf("blob %s: %w", name, err))
			continue
		}
		if rotated {
			rep.BlobsRotated++
			metrics.RotatedValuesTotal.WithLabelValues("blob").Inc()
		} else {
			rep.BlobsSkipped++
		}
	}
	return errs
}

// storageNames returns the distinct storage names referenced by any of the
// set's columns, sorted.
func (p *Pass) storageNames(ctx context.Context, bs BlobSet) ([]string, error) {
	seen := make(map[string]struct{})
	for _, ref := range bs.Refs {
		after := ""
		for {
			var batch []string
			err := p.Transactor.WithTx(ctx, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
				var err error
				batch, err = p.Repos.Records(tx).StorageNames(ctx, ref.Table, ref.StorageColumn, after, p.batchSize())
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("list storage names of %s.%s: %w", ref.Table, ref.StorageColumn, err)
			}
			for _, n := range batch {
				seen[n] = struct{}{}
			}
			if len(batch) < p.batchSize() {
				break
			}
			after = batch[len(batch)-1]
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Pass) rotateBlob(ctx context.Context, kr *cryptox.Keyring, store *blobstore.EncryptedStore, bs BlobSet, name string) (bool, error) {
	keyID, err := store.KeyID(ctx, name)
	if err != nil && !errors.Is(err, cryptox.ErrMalformedHeader) {
		return false, err
	}
	if err == nil && !keyNeedsRotation(kr, keyID) {
		return false, nil
	}

	src, err := store.Open(ctx, name)
	if err != nil {
		return false, err
	}
	newName := blobstore.NewName(bs.Prefix)
	err = store.Save(ctx, newName, src)
	_ = src.Close()
	if err != nil {
		_ = store.Delete(ctx, newName)
		return false, err
	}

	err = p.Transactor.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := p.Repos.Records(tx)
		for _, ref := range bs.Refs {
			if _, err := repo.ReplaceStorageName(ctx, ref.Table, ref.StorageColumn, name, newName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = store.Delete(ctx, newName)
		return false, err
	}

	if err := store.Delete(ctx, name); err != nil {
		p.logger().Warn(ctx, "delete rotated blob failed", "storage_name", name, "error", err)
	}
	return true, nil
}

func keyNeedsRotation(kr *cryptox.Keyring, keyID string) bool {
	if kr.DefaultID() == "" {
		return keyID != ""
	}
	return keyID != kr.DefaultID()
}

// DefaultColumns lists the encrypted columns of the schema.
func DefaultColumns() []ColumnSet {
	return []ColumnSet{
		{Table: "projects", KeyColumn: "id", Columns: []string{"data"}},
		{Table: "user_public_keys", KeyColumn: "id", Columns: []string{"public_key"}},
		{Table: "archived_project_key_parts", KeyColumn: "id", Columns: []string{"encrypted_key_part", "key_part"}},
		{Table: "archived_project_public_key_encrypted_key_parts", KeyColumn: "id", Columns: []string{"encrypted_data"}},
	}
}

// DefaultFileRefs lists the columns referencing project file blobs, along
// with the encrypted file name columns of the same tables.
func DefaultFileRefs() []BlobRef {
	return []BlobRef{
		{Table: "project_files", KeyColumn: "id", StorageColumn: "storage_name", Columns: []string{"name"}},
		{Table: "project_files_history", KeyColumn: "history_id", StorageColumn: "storage_name", Columns: []string{"name"}},
	}
}
