package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/metrics"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/archives"
	"github.com/dmitrijs2005/sealkeeper/internal/shamir"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DecryptKeyPart records the plaintext share of a key part. Submissions for
// one archive are serialised by locking its row; the submission that brings
// the number of decrypted parts to the threshold restores the project and
// deletes the archive in the same transaction. Submissions that arrive after
// the restore report the restored project.
func (m *Manager) DecryptKeyPart(ctx context.Context, keyPartID string, share []byte) (res *DecryptResult, err error) {
	ctx, span := m.tracer.Start(ctx, "archive.decrypt_key_part", trace.WithAttributes(
		attribute.String("key_part.id", keyPartID),
	))
	defer func() { endSpan(span, err) }()

	if err := shamir.Validate(share, archiveKeySize); err != nil {
		metrics.MalformedSharesTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedShare, err)
	}

	var (
		restored  *models.Project
		oldBundle string
		recorded  bool
	)

	err = m.tx.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
		archivesRepo := m.repos.Archives(tx)
		keyPartsRepo := m.repos.KeyParts(tx)

		kp, err := keyPartsRepo.Get(ctx, keyPartID)
		if errors.Is(err, common.ErrorNotFound) {
			res, err = restoredOutcome(ctx, archivesRepo, keyPartID)
			return err
		}
		if err != nil {
			return err
		}

		a, err := archivesRepo.GetForUpdate(ctx, kp.ArchivedProjectID)
		if errors.Is(err, common.ErrorNotFound) {
			res, err = restoredOutcome(ctx, archivesRepo, keyPartID)
			return err
		}
		if err != nil {
			return err
		}

		// Re-read under the lock; the reaper may have reset it meanwhile.
		kp, err = keyPartsRepo.Get(ctx, keyPartID)
		if err != nil {
			return err
		}
		if !shamir.Equal(share, kp.Share) {
			metrics.MalformedSharesTotal.Inc()
			return fmt.Errorf("%w: does not match key part %s", ErrMalformedShare, keyPartID)
		}

		if err := keyPartsRepo.MarkDecrypted(ctx, kp.ID, share, m.now()); err != nil {
			return err
		}
		recorded = true

		parts, err := keyPartsRepo.ListByArchive(ctx, a.ID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(parts))
		var shares [][]byte
		for _, p := range parts {
			ids = append(ids, p.ID)
			if p.IsDecrypted() {
				shares = append(shares, p.KeyPart)
			}
		}

		res = &DecryptResult{
			Status:            StatusKeyPartDecrypted,
			ArchivedProjectID: a.ID,
			Decrypted:         len(shares),
			Threshold:         a.Threshold,
		}
		if len(shares) < a.Threshold {
			return nil
		}

		restored, err = m.openBundle(ctx, a, shares)
		if err != nil {
			return err
		}
		if restored.Members, err = m.existingUsers(ctx, tx, restored.Members); err != nil {
			return err
		}
		if err := m.repos.Projects(tx).Create(ctx, restored); err != nil {
			return err
		}
		if err := archivesRepo.RecordRestoration(ctx, &models.ArchiveRestoration{
			ArchivedProjectID: a.ID,
			ProjectID:         restored.ID,
		}, ids); err != nil {
			return err
		}
		if err := archivesRepo.Delete(ctx, a.ID); err != nil {
			return err
		}

		oldBundle = a.StorageName
		res.Status = StatusProjectRestored
		res.ProjectID = restored.ID
		return nil
	})
	if err != nil {
		if restored != nil {
			for _, f := range restored.Files {
				m.deleteBlob(ctx, m.files, f.StorageName)
			}
		}
		return nil, err
	}

	if !recorded {
		return res, nil
	}

	metrics.KeyPartsDecryptedTotal.Inc()
	if oldBundle != "" {
		m.deleteBlob(ctx, m.bundles, oldBundle)
		metrics.ArchivesRestoredTotal.Inc()
		m.logger.Info(ctx, "archive restored",
			"archive_id", res.ArchivedProjectID, "project_id", res.ProjectID)
	} else {
		m.logger.Info(ctx, "key part decrypted",
			"archive_id", res.ArchivedProjectID, "decrypted", res.Decrypted, "threshold", res.Threshold)
	}

	return res, nil
}

// existingUsers drops members whose accounts were deleted while the project
// was archived.
func (m *Manager) existingUsers(ctx context.Context, tx dbx.DBTX, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := m.repos.Users(tx).ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(users))
	for _, u := range users {
		result = append(result, u.ID)
	}
	return result, nil
}

func restoredOutcome(ctx context.Context, repo archives.Repository, keyPartID string) (*DecryptResult, error) {
	rs, err := repo.GetRestorationByKeyPart(ctx, keyPartID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &DecryptResult{
		Status:            StatusProjectRestored,
		ArchivedProjectID: rs.ArchivedProjectID,
		ProjectID:         rs.ProjectID,
	}, nil
}

func (m *Manager) openBundle(ctx context.Context, a *models.ArchivedProject, shares [][]byte) (*models.Project, error) {
	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(secret)

	src, err := m.bundles.Open(ctx, a.StorageName)
	if err != nil {
		return nil, fmt.Errorf("open bundle of archive %s: %w", a.ID, err)
	}

	keys := cryptox.KeyMap{a.KeyID: &cryptox.Key{ID: a.KeyID, Secret: secret}}
	r, err := cryptox.Open(src, keys, false)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("decrypt bundle of archive %s: %w", a.ID, err)
	}
	defer r.Close()

	p, err := m.codec.Import(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("import bundle of archive %s: %w", a.ID, err)
	}
	return p, nil
}
