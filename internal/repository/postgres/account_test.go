package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
)

func newMockRepo(t *testing.T) (*AccountRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAccountRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestAccountRepository_IncrementStorage(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`UPDATE accounts SET\s+storage_used = GREATEST\(storage_used \+ \$1, 0\)`).
		WithArgs(int64(50_000), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"storage_used"}).AddRow(int64(950_000)))

	used, err := repo.IncrementStorage(context.Background(), "alice", 50_000)
	require.NoError(t, err)
	assert.Equal(t, int64(950_000), used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_IncrementStorage_UnknownAccount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`UPDATE accounts SET`).
		WithArgs(int64(-10), "ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.IncrementStorage(context.Background(), "ghost", -10)
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
}

func TestAccountRepository_FindByUsername(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"username", "role", "plan_id", "storage_used", "storage_limit",
		"root_folder_id", "billing_expires_at", "created_at", "updated_at",
	}).AddRow("alice", "user", "free", int64(10), int64(1000), "root-a", nil, now, now)
	mock.ExpectQuery(`SELECT .* FROM accounts WHERE username = \$1`).WithArgs("alice").WillReturnRows(rows)

	account, err := repo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, account.Role)
	assert.Equal(t, "root-a", account.RootID())
	assert.Nil(t, account.BillingExpiresAt)
	assert.Equal(t, int64(1000), account.StorageLimit)
}

func TestAccountRepository_FindByUsername_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .* FROM accounts`).WithArgs("nobody").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
}

func TestAccountRepository_SetRootFolder(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE accounts SET\s+root_folder_id = \$1`).
		WithArgs("root-a", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts SET\s+root_folder_id = \$1`).
		WithArgs("root-b", "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.SetRootFolder(context.Background(), "alice", "root-a"))
	assert.ErrorIs(t, repo.SetRootFolder(context.Background(), "alice", "root-b"), errors.ErrRootAlreadyCreated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_SharesForGrantee(t *testing.T) {
	repo, mock := newMockRepo(t)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"folder_id", "owner_username", "grantee_username", "created_at"}).
		AddRow("root-a", "alice", "bob", first).
		AddRow("root-c", "carol", "bob", first.Add(time.Hour))
	mock.ExpectQuery(`FROM folder_shares WHERE grantee_username = \$1`).WithArgs("bob").WillReturnRows(rows)

	shares, err := repo.SharesForGrantee(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, "root-a", shares[0].FolderID)
	assert.Equal(t, "carol", shares[1].Owner)
}

func TestAccountRepository_DeleteShare_Missing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM folder_shares`).
		WithArgs("alice", "bob").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.DeleteShare(context.Background(), "alice", "bob"), errors.ErrShareNotFound)
}
