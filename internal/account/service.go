// ==============================================================================
// ACCOUNT SERVICE - internal/account/service.go
// ==============================================================================
package account

import (
	"context"
	"strings"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

type Repository interface {
	Create(ctx context.Context, account *domain.Account) (bool, error)
	FindByUsername(ctx context.Context, username string) (*domain.Account, error)
	FindPlan(ctx context.Context, id string) (*domain.Plan, error)
	SetRootFolder(ctx context.Context, username, folderID string) error
	CreateShare(ctx context.Context, share *domain.Share) error
	DeleteShare(ctx context.Context, owner, grantee string) error
	SharesForGrantee(ctx context.Context, grantee string) ([]domain.Share, error)
	GranteesOf(ctx context.Context, owner string) ([]string, error)
}

// FolderStore is the slice of the drive gateway needed to manage roots.
type FolderStore interface {
	CreateFolder(ctx context.Context, parentID, name string) (*domain.Node, error)
	Delete(ctx context.Context, id string) error
}

type QuotaReader interface {
	Status(ctx context.Context, username string) (*domain.QuotaStatus, error)
}

type Config struct {
	DefaultPlan  string
	DefaultLimit int64
	DriveRootID  string
}

type Service struct {
	repo    Repository
	folders FolderStore
	quota   QuotaReader
	config  Config
	logger  logger.Logger
}

func NewService(repo Repository, folders FolderStore, quota QuotaReader, cfg Config, log logger.Logger) *Service {
	return &Service{
		repo:    repo,
		folders: folders,
		quota:   quota,
		config:  cfg,
		logger:  log,
	}
}

// EnsureProfile returns the caller's account, creating it on the default
// plan the first time the username is seen.
func (s *Service) EnsureProfile(ctx context.Context, principal domain.Principal) (*domain.Account, error) {
	account, err := s.repo.FindByUsername(ctx, principal.Username)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, errors.ErrAccountNotFound) {
		return nil, err
	}

	limit := s.config.DefaultLimit
	plan, err := s.repo.FindPlan(ctx, s.config.DefaultPlan)
	switch {
	case err == nil:
		limit = plan.StorageLimit
	case errors.Is(err, errors.ErrPlanNotFound):
		s.logger.Warn("Default plan missing, using configured limit", map[string]interface{}{
			"plan":  s.config.DefaultPlan,
			"limit": limit,
		})
	default:
		return nil, err
	}

	role := principal.Role
	if role == "" {
		role = domain.RoleUser
	}
	created, err := s.repo.Create(ctx, &domain.Account{
		Username:     principal.Username,
		Role:         role,
		PlanID:       s.config.DefaultPlan,
		StorageLimit: limit,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("Account profile created", map[string]interface{}{
			"event":    "account_created",
			"username": principal.Username,
			"plan":     s.config.DefaultPlan,
		})
	}
	// A concurrent first request may have won the insert.
	return s.repo.FindByUsername(ctx, principal.Username)
}

// EnsureRootFolder returns the account's root folder id, creating the folder
// under the drive root on first use. When two requests race, the loser
// removes the folder it created and adopts the stored one.
func (s *Service) EnsureRootFolder(ctx context.Context, username string) (string, error) {
	account, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if root := account.RootID(); root != "" {
		return root, nil
	}

	folder, err := s.folders.CreateFolder(ctx, s.config.DriveRootID, username)
	if err != nil {
		return "", err
	}

	err = s.repo.SetRootFolder(ctx, username, folder.ID)
	if err == nil {
		s.logger.Info("Root folder created", map[string]interface{}{
			"event":     "root_created",
			"username":  username,
			"folder_id": folder.ID,
		})
		return folder.ID, nil
	}
	if !errors.Is(err, errors.ErrRootAlreadyCreated) {
		return "", err
	}

	if delErr := s.folders.Delete(ctx, folder.ID); delErr != nil {
		s.logger.Error("Failed to remove duplicate root folder", map[string]interface{}{
			"username":  username,
			"folder_id": folder.ID,
			"error":     delErr,
		})
	}
	account, err = s.repo.FindByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	return account.RootID(), nil
}

// AccessRoots returns the account's own root followed by the roots shared
// to it, in grant order.
func (s *Service) AccessRoots(ctx context.Context, username string) ([]domain.AccessRoot, error) {
	own, err := s.EnsureRootFolder(ctx, username)
	if err != nil {
		return nil, err
	}
	shares, err := s.repo.SharesForGrantee(ctx, username)
	if err != nil {
		return nil, err
	}

	roots := make([]domain.AccessRoot, 0, len(shares)+1)
	roots = append(roots, domain.AccessRoot{FolderID: own, Owner: username})
	for _, sh := range shares {
		roots = append(roots, domain.AccessRoot{FolderID: sh.FolderID, Owner: sh.Owner})
	}
	return roots, nil
}

// Profile loads the account with both directions of sharing populated.
func (s *Service) Profile(ctx context.Context, username string) (*domain.Account, error) {
	account, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if account.SharedWithMe, err = s.repo.SharesForGrantee(ctx, username); err != nil {
		return nil, err
	}
	if account.SharedTo, err = s.repo.GranteesOf(ctx, username); err != nil {
		return nil, err
	}
	return account, nil
}

// ShareRoot grants grantee access to owner's root folder.
func (s *Service) ShareRoot(ctx context.Context, owner, grantee string) error {
	grantee = strings.TrimSpace(grantee)
	if grantee == "" {
		return errors.Validation("Username is required")
	}
	if grantee == owner {
		return errors.Validation("Cannot share a folder with yourself")
	}
	if _, err := s.repo.FindByUsername(ctx, grantee); err != nil {
		if errors.Is(err, errors.ErrAccountNotFound) {
			return errors.NotFound("User not found", err)
		}
		return err
	}

	root, err := s.EnsureRootFolder(ctx, owner)
	if err != nil {
		return err
	}
	if err := s.repo.CreateShare(ctx, &domain.Share{FolderID: root, Owner: owner, Grantee: grantee}); err != nil {
		return err
	}

	s.logger.Info("Root folder shared", map[string]interface{}{
		"event":     "root_shared",
		"owner":     owner,
		"grantee":   grantee,
		"folder_id": root,
	})
	return nil
}

func (s *Service) UnshareRoot(ctx context.Context, owner, grantee string) error {
	if err := s.repo.DeleteShare(ctx, owner, grantee); err != nil {
		if errors.Is(err, errors.ErrShareNotFound) {
			return errors.NotFound("Share not found", err)
		}
		return err
	}
	s.logger.Info("Root folder unshared", map[string]interface{}{
		"event":   "root_unshared",
		"owner":   owner,
		"grantee": grantee,
	})
	return nil
}

// Usage is the caller-facing storage summary.
type Usage struct {
	domain.QuotaStatus
	Plan string `json:"plan"`
}

func (s *Service) Usage(ctx context.Context, username string) (*Usage, error) {
	account, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	status, err := s.quota.Status(ctx, username)
	if err != nil {
		return nil, err
	}

	plan := account.PlanID
	if p, err := s.repo.FindPlan(ctx, account.PlanID); err == nil {
		plan = p.Name
	}
	return &Usage{QuotaStatus: *status, Plan: plan}, nil
}
