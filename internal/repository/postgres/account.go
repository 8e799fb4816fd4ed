package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
)

type AccountRepository struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts the account unless one with the same username exists.
// It reports whether a row was inserted.
func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) (bool, error) {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	query := `
		INSERT INTO accounts (
			username, role, plan_id, storage_used, storage_limit, root_folder_id, billing_expires_at, created_at, updated_at
		) VALUES (
			:username, :role, :plan_id, :storage_used, :storage_limit, :root_folder_id, :billing_expires_at, :created_at, :updated_at
		)
		ON CONFLICT (username) DO NOTHING
	`
	result, err := r.db.NamedExecContext(ctx, query, account)
	if err != nil {
		return false, errors.Wrap(err, "failed to create account")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*domain.Account, error) {
	account := &domain.Account{}
	query := `
		SELECT username, role, plan_id, storage_used, storage_limit, root_folder_id, billing_expires_at, created_at, updated_at
		FROM accounts WHERE username = $1
	`
	err := r.db.GetContext(ctx, account, query, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "failed to find account by username")
	}
	return account, nil
}

// IncrementStorage applies delta to storage_used in a single statement and
// returns the new value. The result never drops below zero.
func (r *AccountRepository) IncrementStorage(ctx context.Context, username string, delta int64) (int64, error) {
	query := `
		UPDATE accounts SET
			storage_used = GREATEST(storage_used + $1, 0),
			updated_at = NOW()
		WHERE username = $2
		RETURNING storage_used
	`
	var used int64
	err := r.db.QueryRowxContext(ctx, query, delta, username).Scan(&used)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, errors.ErrAccountNotFound
		}
		return 0, errors.Wrap(err, "failed to increment storage usage")
	}
	return used, nil
}

// SetRootFolder stores folderID as the account root only if none is set yet.
func (r *AccountRepository) SetRootFolder(ctx context.Context, username, folderID string) error {
	query := `
		UPDATE accounts SET
			root_folder_id = $1,
			updated_at = NOW()
		WHERE username = $2 AND root_folder_id IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, folderID, username)
	if err != nil {
		return errors.Wrap(err, "failed to set root folder")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrRootAlreadyCreated
	}
	return nil
}

func (r *AccountRepository) FindPlan(ctx context.Context, id string) (*domain.Plan, error) {
	plan := &domain.Plan{}
	query := `SELECT id, name, storage_limit, monthly_price, created_at FROM plans WHERE id = $1`
	err := r.db.GetContext(ctx, plan, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPlanNotFound
		}
		return nil, errors.Wrap(err, "failed to find plan")
	}
	return plan, nil
}

func (r *AccountRepository) CreateShare(ctx context.Context, share *domain.Share) error {
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO folder_shares (folder_id, owner_username, grantee_username, created_at)
		VALUES (:folder_id, :owner_username, :grantee_username, :created_at)
		ON CONFLICT (folder_id, grantee_username) DO NOTHING
	`
	_, err := r.db.NamedExecContext(ctx, query, share)
	return errors.Wrap(err, "failed to create share")
}

func (r *AccountRepository) DeleteShare(ctx context.Context, owner, grantee string) error {
	query := `DELETE FROM folder_shares WHERE owner_username = $1 AND grantee_username = $2`
	result, err := r.db.ExecContext(ctx, query, owner, grantee)
	if err != nil {
		return errors.Wrap(err, "failed to delete share")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrShareNotFound
	}
	return nil
}

// SharesForGrantee lists folders shared to grantee in grant order.
func (r *AccountRepository) SharesForGrantee(ctx context.Context, grantee string) ([]domain.Share, error) {
	var shares []domain.Share
	query := `
		SELECT folder_id, owner_username, grantee_username, created_at
		FROM folder_shares WHERE grantee_username = $1
		ORDER BY created_at ASC
	`
	err := r.db.SelectContext(ctx, &shares, query, grantee)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list shares for grantee")
	}
	return shares, nil
}

func (r *AccountRepository) GranteesOf(ctx context.Context, owner string) ([]string, error) {
	var grantees []string
	query := `SELECT grantee_username FROM folder_shares WHERE owner_username = $1 ORDER BY created_at ASC`
	err := r.db.SelectContext(ctx, &grantees, query, owner)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list grantees")
	}
	return grantees, nil
}
