package keyparts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, kp *models.ArchivedProjectKeyPart) error
	CreateWrapped(ctx context.Context, w *models.PublicKeyEncryptedKeyPart) error
	Get(ctx context.Context, id string) (*models.ArchivedProjectKeyPart, error)
	ListByArchive(ctx context.Context, archiveID string) ([]*models.ArchivedProjectKeyPart, error)
	ListWrapped(ctx context.Context, keyPartID string) ([]*models.PublicKeyEncryptedKeyPart, error)
	MarkDecrypted(ctx context.Context, id string, share []byte, at time.Time) error
	// ResetDecrypted clears every submitted share of an archive and returns
	// the number of parts reset.
	ResetDecrypted(ctx context.Context, archiveID string) (int64, error)
}
