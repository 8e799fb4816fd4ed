package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role distinguishes administrators, who may operate on any folder.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the authenticated caller of a drive operation.
type Principal struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Account represents a tenant and its storage ledger.
type Account struct {
	Username         string     `json:"username" db:"username"`
	Role             Role       `json:"role" db:"role"`
	PlanID           string     `json:"plan_id" db:"plan_id"`
	StorageUsed      int64      `json:"storage_used" db:"storage_used"`
	StorageLimit     int64      `json:"storage_limit" db:"storage_limit"`
	RootFolderID     *string    `json:"root_folder_id,omitempty" db:"root_folder_id"`
	BillingExpiresAt *time.Time `json:"billing_expires_at,omitempty" db:"billing_expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`

	// Populated from folder_shares, not stored on the row.
	SharedWithMe []Share  `json:"shared_with_me,omitempty" db:"-"`
	SharedTo     []string `json:"shared_to,omitempty" db:"-"`
}

// RootID returns the account's root folder id, or "" when not yet created.
func (a *Account) RootID() string {
	if a == nil || a.RootFolderID == nil {
		return ""
	}
	return *a.RootFolderID
}

// Plan is a subscription tier with its storage allowance.
type Plan struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	StorageLimit int64           `json:"storage_limit" db:"storage_limit"`
	MonthlyPrice decimal.Decimal `json:"monthly_price" db:"monthly_price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Share grants Grantee access to a folder owned by Owner.
type Share struct {
	FolderID  string    `json:"folder_id" db:"folder_id"`
	Owner     string    `json:"owner" db:"owner_username"`
	Grantee   string    `json:"grantee" db:"grantee_username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// FolderMimeType marks folders in the drive provider.
const FolderMimeType = "application/vnd.google-apps.folder"

// Node is a file or folder held by the drive provider.
type Node struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	Parents      []string  `json:"parents,omitempty"`
	CreatedAt    time.Time `json:"createdTime,omitempty"`
	ModifiedAt   time.Time `json:"modifiedTime,omitempty"`
	ThumbnailURL string    `json:"thumbnailLink,omitempty"`
}

func (n *Node) IsFolder() bool {
	return n.MimeType == FolderMimeType
}

// Parent returns the first parent id, or "" for a top-level node.
func (n *Node) Parent() string {
	if len(n.Parents) == 0 {
		return ""
	}
	return n.Parents[0]
}

// UploadSession is an in-flight resumable upload bound to one provider
// upload URL.
type UploadSession struct {
	ID        string    `json:"id"`
	UploadURL string    `json:"upload_url"`
	FolderID  string    `json:"folder_id"`
	Uploader  string    `json:"uploader"`
	Owner     string    `json:"owner"`
	MimeType  string    `json:"mime_type"`
	Name      string    `json:"name"`
	TotalSize int64     `json:"total_size"`
	Committed int64     `json:"committed"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotaStatus is the ledger view used for admission decisions.
type QuotaStatus struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
	Blocked    bool  `json:"blocked"`
}

// Fits reports whether additional bytes fit under the limit. A zero limit
// means unlimited.
func (s QuotaStatus) Fits(additional int64) bool {
	return s.LimitBytes <= 0 || s.UsedBytes+additional <= s.LimitBytes
}

// AccessRoot is a folder an account may operate beneath, with the account
// whose quota pays for what is stored there.
type AccessRoot struct {
	FolderID string `json:"folderId"`
	Owner    string `json:"owner"`
}
