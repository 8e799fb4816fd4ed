// ==============================================================================
// QUOTA LEDGER - internal/quota/service.go
// ==============================================================================
package quota

import (
	"context"
	"time"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

type Repository interface {
	FindByUsername(ctx context.Context, username string) (*domain.Account, error)
	IncrementStorage(ctx context.Context, username string, delta int64) (int64, error)
}

// BillingPolicy decides whether an account's paid period has lapsed.
type BillingPolicy interface {
	Expired(account *domain.Account, now time.Time) bool
}

// ExpiryPolicy treats any non-free plan whose billing_expires_at is in the
// past as expired.
type ExpiryPolicy struct {
	FreePlan string
}

func (p ExpiryPolicy) Expired(account *domain.Account, now time.Time) bool {
	if account.PlanID == p.FreePlan || account.BillingExpiresAt == nil {
		return false
	}
	return account.BillingExpiresAt.Before(now)
}

type Config struct {
	FreeTierBytes  int64
	AdminUnlimited bool
}

type Service struct {
	repo   Repository
	policy BillingPolicy
	config Config
	now    func() time.Time
	logger logger.Logger
}

func NewService(repo Repository, policy BillingPolicy, cfg Config, log logger.Logger) *Service {
	return &Service{
		repo:   repo,
		policy: policy,
		config: cfg,
		now:    time.Now,
		logger: log,
	}
}

// Status returns used/limit bytes and whether uploads are blocked by an
// expired plan whose usage exceeds the free tier.
func (s *Service) Status(ctx context.Context, username string) (*domain.QuotaStatus, error) {
	account, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load quota status")
	}

	status := &domain.QuotaStatus{
		UsedBytes:  account.StorageUsed,
		LimitBytes: account.StorageLimit,
	}
	if account.Role == domain.RoleAdmin && s.config.AdminUnlimited {
		status.LimitBytes = 0
		return status, nil
	}
	if s.policy != nil && s.policy.Expired(account, s.now()) {
		status.Blocked = account.StorageUsed > s.config.FreeTierBytes
	}
	return status, nil
}

// Increment adds delta (possibly negative) to the account's usage and
// returns the new total, clamped at zero by the store.
func (s *Service) Increment(ctx context.Context, username string, delta int64) (int64, error) {
	if delta == 0 {
		account, err := s.repo.FindByUsername(ctx, username)
		if err != nil {
			return 0, err
		}
		return account.StorageUsed, nil
	}

	used, err := s.repo.IncrementStorage(ctx, username, delta)
	if err != nil {
		return 0, err
	}

	s.logger.Debug("Storage usage updated", map[string]interface{}{
		"event":    "quota_increment",
		"username": username,
		"delta":    delta,
		"used":     used,
	})
	return used, nil
}

// Check maps a status and an incoming byte count to a quota error, or nil
// when the bytes may be admitted.
func Check(status *domain.QuotaStatus, additional int64) error {
	if status.Blocked {
		return errors.QuotaBlocked()
	}
	if !status.Fits(additional) {
		return errors.QuotaExceeded()
	}
	return nil
}
