package archive

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/metrics"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReapStalePartialRestores clears submitted shares of archives that stayed
// below their threshold for longer than timeout. An archive is only reset
// when its most recent submission is older than timeout. Archives are
// processed in separate transactions; failures are joined and do not undo
// the archives already reset.
func (m *Manager) ReapStalePartialRestores(ctx context.Context, timeout time.Duration) (reset int, err error) {
	ctx, span := m.tracer.Start(ctx, "archive.reap_stale_partial_restores")
	defer func() {
		span.SetAttributes(attribute.Int("key_parts.reset", reset))
		endSpan(span, err)
	}()

	cutoff := m.now().Add(-timeout)

	var ids []string
	err = m.tx.WithTx(ctx, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		ids, err = m.repos.Archives(tx).ListStaleRestores(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, id := range ids {
		n, err := m.reapArchive(ctx, id, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			m.logger.Info(ctx, "stale partial restore reset", "archive_id", id, "key_parts", n)
		}
		reset += n
	}

	metrics.KeyPartsResetTotal.Add(float64(reset))
	return reset, errors.Join(errs...)
}

func (m *Manager) reapArchive(ctx context.Context, archiveID string, cutoff time.Time) (int, error) {
	var reset int64
	err := m.tx.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
		a, err := m.repos.Archives(tx).GetForUpdate(ctx, archiveID)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		keyPartsRepo := m.repos.KeyParts(tx)
		parts, err := keyPartsRepo.ListByArchive(ctx, archiveID)
		if err != nil {
			return err
		}
		if !stale(parts, a.Threshold, cutoff) {
			return nil
		}

		reset, err = keyPartsRepo.ResetDecrypted(ctx, archiveID)
		return err
	})
	return int(reset), err
}

// stale re-checks the listing under the archive lock.
func stale(parts []*models.ArchivedProjectKeyPart, threshold int, cutoff time.Time) bool {
	var decrypted int
	var latest time.Time
	for _, p := range parts {
		if !p.IsDecrypted() {
			continue
		}
		decrypted++
		if p.DecryptedAt.After(latest) {
			latest = *p.DecryptedAt
		}
	}
	return decrypted > 0 && decrypted < threshold && latest.Before(cutoff)
}

// AutoArchiveIdleProjects archives projects that have been read-only for
// longer than after, using the configured threshold. Projects without
// enough eligible users are skipped with a warning.
func (m *Manager) AutoArchiveIdleProjects(ctx context.Context, after time.Duration) (archived int, err error) {
	ctx, span := m.tracer.Start(ctx, "archive.auto_archive", trace.WithAttributes(
		attribute.Int("archive.threshold", m.threshold),
	))
	defer func() { endSpan(span, err) }()

	cutoff := m.now().Add(-after)

	var ids []string
	err = m.tx.WithTx(ctx, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		ids, err = m.repos.Projects(tx).ListIdleReadOnly(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, id := range ids {
		_, err := m.CreateArchive(ctx, id, m.threshold)
		switch {
		case err == nil:
			archived++
		case errors.Is(err, ErrInsufficientEligibleUsers), errors.Is(err, ErrThresholdUnreachable):
			m.logger.Warn(ctx, "project not auto-archived", "project_id", id, "error", err)
		case errors.Is(err, ErrNotFound):
			// Deleted since it was listed.
		default:
			errs = append(errs, err)
		}
	}
	return archived, errors.Join(errs...)
}

// DeleteExpiredArchives removes archives created more than after ago,
// together with their bundle.
func (m *Manager) DeleteExpiredArchives(ctx context.Context, after time.Duration) (deleted int, err error) {
	ctx, span := m.tracer.Start(ctx, "archive.delete_expired")
	defer func() { endSpan(span, err) }()

	cutoff := m.now().Add(-after)

	var expired []*models.ArchivedProject
	err = m.tx.WithTx(ctx, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		expired, err = m.repos.Archives(tx).ListCreatedBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, a := range expired {
		err := m.tx.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := m.repos.Archives(tx)
			if _, err := repo.GetForUpdate(ctx, a.ID); err != nil {
				return err
			}
			return repo.Delete(ctx, a.ID)
		})
		if errors.Is(err, common.ErrorNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		m.deleteBlob(ctx, m.bundles, a.StorageName)
		deleted++
		metrics.ArchivesDeletedTotal.Inc()
		m.logger.Info(ctx, "expired archive deleted", "archive_id", a.ID, "created_at", a.CreatedAt)
	}
	return deleted, errors.Join(errs...)
}
