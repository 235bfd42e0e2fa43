package projects

import (
	"context"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	Delete(ctx context.Context, id string) error
	StorageNameInUse(ctx context.Context, storageName string) (bool, error)
	ListMembers(ctx context.Context, projectID string) ([]string, error)
	ListIdleReadOnly(ctx context.Context, before time.Time) ([]string, error)
	SetReadOnly(ctx context.Context, id string, readOnly bool, at time.Time) error
}
