package ports

import (
	"context"

	"github.com/bnema/sdash/internal/domain"
)

// Fetcher retrieves one remote collection. Failures are *domain.FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]domain.Record, error)
}
