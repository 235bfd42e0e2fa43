package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/blobstore"
	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/metrics"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/sealkeeper/internal/shamir"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const bundlePrefix = "archives"

// Options configures a Manager. Bundles receives the sealed archive bundles
// and must not encrypt again; Files is the project file store whose blobs
// are removed once a project is archived.
type Options struct {
	Transactor dbx.Transactor
	Repos      repomanager.RepositoryManager
	Bundles    blobstore.Store
	Files      blobstore.Store
	Codec      BundleCodec
	Wrapper    Wrapper
	Policy     EligibilityPolicy
	Logger     logging.Logger

	// Threshold is used by AutoArchiveIdleProjects.
	Threshold int
	ChunkSize int
	Algorithm string
	Now       func() time.Time
}

type Manager struct {
	tx      dbx.Transactor
	repos   repomanager.RepositoryManager
	bundles blobstore.Store
	files   blobstore.Store
	codec   BundleCodec
	wrapper Wrapper
	policy  EligibilityPolicy
	logger  logging.Logger
	tracer  trace.Tracer

	threshold int
	writeOpts []cryptox.Option
	now       func() time.Time
}

func NewManager(o Options) *Manager {
	m := &Manager{
		tx:        o.Transactor,
		repos:     o.Repos,
		bundles:   o.Bundles,
		files:     o.Files,
		codec:     o.Codec,
		wrapper:   o.Wrapper,
		policy:    o.Policy,
		logger:    o.Logger,
		tracer:    otel.Tracer("sealkeeper/archive"),
		threshold: o.Threshold,
		now:       o.Now,
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if o.ChunkSize > 0 {
		m.writeOpts = append(m.writeOpts, cryptox.WithChunkSize(o.ChunkSize))
	}
	if o.Algorithm != "" {
		m.writeOpts = append(m.writeOpts, cryptox.WithAlgorithm(o.Algorithm))
	}
	return m
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

// CreateArchive replaces a live project with an archive. The bundle is
// written before the transaction commits and removed again if it fails; the
// project's file blobs are removed after the commit.
func (m *Manager) CreateArchive(ctx context.Context, projectID string, threshold int) (archived *models.ArchivedProject, err error) {
	ctx, span := m.tracer.Start(ctx, "archive.create", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.Int("archive.threshold", threshold),
	))
	defer func() { endSpan(span, err) }()

	if threshold < 1 || threshold > shamir.MaxShares {
		return nil, fmt.Errorf("%w: %d", ErrThresholdUnreachable, threshold)
	}

	var (
		bundleName string
		fileBlobs  []string
	)

	err = m.tx.WithTx(ctx, nil, func(ctx context.Context, tx dbx.DBTX) error {
		projectsRepo := m.repos.Projects(tx)

		p, err := projectsRepo.Get(ctx, projectID)
		if errors.Is(err, common.ErrorNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		recipients, err := m.policy.EligibleArchivers(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if len(recipients) < threshold {
			return fmt.Errorf("%w: %d eligible, threshold %d", ErrInsufficientEligibleUsers, len(recipients), threshold)
		}
		if len(recipients) > shamir.MaxShares {
			return fmt.Errorf("%w: %d recipients exceed %d shares", ErrThresholdUnreachable, len(recipients), shamir.MaxShares)
		}

		secret := common.GenerateRandByteArray(archiveKeySize)
		defer common.WipeByteArray(secret)
		key := &cryptox.Key{ID: "archive-" + uuid.NewString(), Secret: secret}

		bundleName = blobstore.NewName(bundlePrefix)
		if err := m.writeBundle(ctx, p, key, bundleName); err != nil {
			return err
		}

		shares, err := shamir.Split(secret, threshold, len(recipients))
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range shares {
				common.WipeByteArray(s)
			}
		}()

		a := &models.ArchivedProject{
			Name:        p.Name,
			Tags:        p.Tags,
			Threshold:   threshold,
			StorageName: bundleName,
			KeyID:       key.ID,
		}
		if err := m.repos.Archives(tx).Create(ctx, a); err != nil {
			return err
		}

		keyPartsRepo := m.repos.KeyParts(tx)
		for i, u := range recipients {
			kp := &models.ArchivedProjectKeyPart{
				ArchivedProjectID: a.ID,
				UserID:            u.ID,
				Share:             shares[i],
			}
			if err := keyPartsRepo.Create(ctx, kp); err != nil {
				return err
			}
			for _, pk := range u.PublicKeys {
				data, err := m.wrapper.Wrap(shares[i], pk)
				if err != nil {
					return fmt.Errorf("wrap share for key %s of user %s: %w", pk.ID, u.ID, err)
				}
				if err := keyPartsRepo.CreateWrapped(ctx, &models.PublicKeyEncryptedKeyPart{
					KeyPartID:     kp.ID,
					PublicKeyID:   pk.ID,
					EncryptedData: data,
				}); err != nil {
					return err
				}
			}
		}

		if err := projectsRepo.Delete(ctx, projectID); err != nil {
			return err
		}

		for _, f := range p.Files {
			fileBlobs = append(fileBlobs, f.StorageName)
		}
		archived = a
		return nil
	})
	if err != nil {
		if bundleName != "" {
			m.deleteBlob(ctx, m.bundles, bundleName)
		}
		return nil, err
	}

	m.deleteUnreferencedFiles(ctx, fileBlobs)

	metrics.ArchivesCreatedTotal.Inc()
	m.logger.Info(ctx, "project archived",
		"project_id", projectID, "archive_id", archived.ID, "threshold", threshold)

	return archived, nil
}

func (m *Manager) writeBundle(ctx context.Context, p *models.Project, key *cryptox.Key, name string) error {
	return blobstore.SaveFrom(ctx, m.bundles, name, func(dst io.Writer) error {
		w, err := cryptox.NewWriter(dst, key, m.writeOpts...)
		if err != nil {
			return err
		}
		if err := m.codec.Export(ctx, p, w); err != nil {
			_ = w.Close()
			return fmt.Errorf("export project %s: %w", p.ID, err)
		}
		return w.Close()
	})
}

// deleteBlob is best effort: a leftover blob is only wasted space.
func (m *Manager) deleteBlob(ctx context.Context, store blobstore.Store, name string) {
	if err := store.Delete(context.WithoutCancel(ctx), name); err != nil {
		m.logger.Warn(ctx, "failed to delete blob", "storage_name", name, "error", err)
	}
}

func (m *Manager) deleteUnreferencedFiles(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	seen := make(map[string]bool, len(names))

	_ = m.tx.WithTx(ctx, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
		projectsRepo := m.repos.Projects(tx)
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true

			used, err := projectsRepo.StorageNameInUse(ctx, name)
			if err != nil {
				m.logger.Warn(ctx, "failed to check file references", "storage_name", name, "error", err)
				continue
			}
			if !used {
				m.deleteBlob(ctx, m.files, name)
			}
		}
		return nil
	})
}
