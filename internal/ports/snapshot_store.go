package ports

import (
	"context"

	"github.com/bnema/sdash/internal/domain"
)

type SnapshotStore interface {
	Load(ctx context.Context) ([]domain.Snapshot, error)
	Save(ctx context.Context, snapshot domain.Snapshot) error
}
