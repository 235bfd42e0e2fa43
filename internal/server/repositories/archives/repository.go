package archives

import (
	"context"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, a *models.ArchivedProject) error
	Get(ctx context.Context, id string) (*models.ArchivedProject, error)
	// GetForUpdate loads the archive and locks its row until the end of the
	// surrounding transaction.
	GetForUpdate(ctx context.Context, id string) (*models.ArchivedProject, error)
	Delete(ctx context.Context, id string) error
	ListCreatedBefore(ctx context.Context, before time.Time) ([]*models.ArchivedProject, error)
	// ListStaleRestores returns archives below threshold whose most recent
	// key part decryption happened before the given time.
	ListStaleRestores(ctx context.Context, before time.Time) ([]string, error)
	RecordRestoration(ctx context.Context, r *models.ArchiveRestoration, keyPartIDs []string) error
	GetRestorationByKeyPart(ctx context.Context, keyPartID string) (*models.ArchiveRestoration, error)
}
