package users

import (
	"context"

	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	AddPublicKey(ctx context.Context, key *models.UserPublicKey) (*models.UserPublicKey, error)
	ListGlobalArchivers(ctx context.Context) ([]*models.User, error)
	ListByIDs(ctx context.Context, ids []string) ([]*models.User, error)
	ListPublicKeys(ctx context.Context, userIDs []string) ([]*models.UserPublicKey, error)
}
