package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/logger"
)

// MemoryRegistry keeps sessions in process memory. Expired sessions are
// swept on Create and Get; there is no background timer.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]*domain.UploadSession
	ttl      time.Duration
	now      func() time.Time
	logger   logger.Logger
}

type MemoryOption func(*MemoryRegistry)

// WithClock replaces time.Now, for tests that need to age sessions.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.now = now }
}

func NewMemoryRegistry(ttl time.Duration, log logger.Logger, opts ...MemoryOption) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &MemoryRegistry{
		sessions: make(map[string]*domain.UploadSession),
		ttl:      ttl,
		now:      time.Now,
		logger:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) Create(ctx context.Context, s *domain.UploadSession) (string, error) {
	now := r.now()
	r.SweepExpired(ctx, now)

	stored := *s
	stored.ID = uuid.New().String()
	stored.CreatedAt = now

	r.mu.Lock()
	r.sessions[stored.ID] = &stored
	r.mu.Unlock()

	s.ID = stored.ID
	s.CreatedAt = now
	return stored.ID, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*domain.UploadSession, error) {
	r.SweepExpired(ctx, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	out := *s
	return &out, nil
}

// Update replaces the stored record; an unknown id is ignored.
func (r *MemoryRegistry) Update(_ context.Context, s *domain.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok {
		updated := *s
		updated.CreatedAt = cur.CreatedAt
		r.sessions[s.ID] = &updated
	}
	return nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) SweepExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if expired(s, now, r.ttl) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("Expired upload sessions swept", map[string]interface{}{
			"removed":   removed,
			"remaining": len(r.sessions),
		})
	}
	return removed, nil
}

// Open counts the sessions that have not expired yet.
func (r *MemoryRegistry) Open() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if !expired(s, now, r.ttl) {
			n++
		}
	}
	return n
}

// Len reports the number of live entries, expired or not.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
