package session

import (
	"context"
	"time"

	"sharedrive/pkg/domain"
)

// DefaultTTL is how long an abandoned upload session is kept.
const DefaultTTL = 6 * time.Hour

// Registry stores in-flight resumable upload sessions by opaque id.
// Get returns nil, nil for an absent or expired session.
type Registry interface {
	Create(ctx context.Context, s *domain.UploadSession) (string, error)
	Get(ctx context.Context, id string) (*domain.UploadSession, error)
	Update(ctx context.Context, s *domain.UploadSession) error
	Delete(ctx context.Context, id string) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

func expired(s *domain.UploadSession, now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}
