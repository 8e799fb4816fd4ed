// ==============================================================================
// UPLOAD ORCHESTRATOR - internal/upload/service.go
// ==============================================================================
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"sharedrive/internal/drive"
	"sharedrive/internal/events"
	"sharedrive/internal/metrics"
	"sharedrive/internal/quota"
	"sharedrive/internal/session"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

// Gateway is the part of the drive provider the orchestrator drives.
type Gateway interface {
	UploadFile(ctx context.Context, parentID, name, mimeType string, body io.Reader) (*domain.Node, error)
	CreateResumableSession(ctx context.Context, req drive.ResumableRequest) (string, error)
	UploadChunk(ctx context.Context, uploadURL string, chunk drive.Chunk) (*drive.ChunkResult, error)
	QueryResumable(ctx context.Context, uploadURL string, total int64) (*drive.ChunkResult, error)
	Delete(ctx context.Context, id string) error
}

type Ledger interface {
	Status(ctx context.Context, username string) (*domain.QuotaStatus, error)
	Increment(ctx context.Context, username string, delta int64) (int64, error)
}

type Resolver interface {
	Require(ctx context.Context, targetID string, principal domain.Principal) (*domain.AccessRoot, error)
}

type RootLocator interface {
	EnsureRootFolder(ctx context.Context, username string) (string, error)
}

// ListingInvalidator drops cached folder listings after a write.
type ListingInvalidator interface {
	InvalidateListing(ctx context.Context, folderIDs ...string)
}

type Config struct {
	MaxChunkBytes   int64
	URLFetchTimeout time.Duration
}

type Service struct {
	gateway  Gateway
	ledger   Ledger
	resolver Resolver
	roots    RootLocator
	sessions session.Registry
	listings ListingInvalidator
	events   events.Publisher
	metrics  *metrics.Metrics
	fetcher  *http.Client
	config   Config
	logger   logger.Logger
}

type Option func(*Service)

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithListingInvalidator(l ListingInvalidator) Option {
	return func(s *Service) { s.listings = l }
}

// WithFetchClient replaces the client used for URL uploads.
func WithFetchClient(c *http.Client) Option {
	return func(s *Service) { s.fetcher = c }
}

func NewService(
	gateway Gateway,
	ledger Ledger,
	resolver Resolver,
	roots RootLocator,
	sessions session.Registry,
	cfg Config,
	log logger.Logger,
	opts ...Option,
) *Service {
	if cfg.URLFetchTimeout <= 0 {
		cfg.URLFetchTimeout = 10 * time.Minute
	}
	s := &Service{
		gateway:  gateway,
		ledger:   ledger,
		resolver: resolver,
		roots:    roots,
		sessions: sessions,
		listings: noopListings{},
		events:   events.Discard,
		fetcher:  newFetchClient(cfg.URLFetchTimeout),
		config:   cfg,
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target resolves the folder an upload writes into and the access root that
// pays for it. An empty folderID means the caller's own root.
func (s *Service) target(ctx context.Context, folderID string, principal domain.Principal) (string, *domain.AccessRoot, error) {
	if folderID == "" {
		own, err := s.roots.EnsureRootFolder(ctx, principal.Username)
		if err != nil {
			return "", nil, err
		}
		folderID = own
	}
	root, err := s.resolver.Require(ctx, folderID, principal)
	if err != nil {
		return "", nil, err
	}
	return folderID, root, nil
}

// admit is the pre-transfer quota check for the owning account.
func (s *Service) admit(ctx context.Context, owner string, additional int64) error {
	status, err := s.ledger.Status(ctx, owner)
	if err != nil {
		return err
	}
	if err := quota.Check(status, additional); err != nil {
		s.quotaRejected(ctx, "admission", owner, additional, err)
		return err
	}
	return nil
}

func (s *Service) quotaRejected(ctx context.Context, stage, owner string, bytes int64, err error) {
	reason := "limit"
	if errors.Is(err, errors.ErrBillingExpired) {
		reason = "billing"
	}
	s.metrics.IncQuotaRejected(stage, reason)
	s.logger.Warn("Upload rejected by quota", map[string]interface{}{
		"event":  "quota_rejected",
		"stage":  stage,
		"reason": reason,
		"owner":  owner,
		"bytes":  bytes,
	})
	s.events.Publish(ctx, events.Event{
		Type:     events.TypeQuotaRejected,
		Username: owner,
		Data:     map[string]interface{}{"stage": stage, "reason": reason, "bytes": bytes},
	})
}

// commit is the post-transfer step shared by every upload path: re-check the
// owner's quota against the bytes just stored, then charge the ledger. Any
// failure removes every object in created.
type commit struct {
	kind     string
	owner    string
	uploader string
	folderID string
	created  []*domain.Node
	bytes    int64
}

func (s *Service) commit(ctx context.Context, c commit) error {
	status, err := s.ledger.Status(ctx, c.owner)
	if err == nil {
		err = quota.Check(status, c.bytes)
		if err != nil {
			s.quotaRejected(ctx, "completion", c.owner, c.bytes, err)
		}
	}
	if err == nil {
		var used int64
		used, err = s.ledger.Increment(ctx, c.owner, c.bytes)
		if err == nil {
			s.metrics.ObserveUpload(c.kind, metrics.ResultOK, c.bytes)
			s.completed(ctx, c, used)
			return nil
		}
	}

	if rbErr := s.rollback(ctx, c); rbErr != nil {
		return rbErr
	}
	s.metrics.ObserveUpload(c.kind, metrics.ResultRolledBack, c.bytes)
	s.events.Publish(ctx, events.Event{
		Type:     events.TypeUploadRolledBack,
		Username: c.owner,
		Data:     map[string]interface{}{"files": nodeIDs(c.created), "bytes": c.bytes},
	})
	return err
}

func (s *Service) completed(ctx context.Context, c commit, used int64) {
	s.listings.InvalidateListing(ctx, c.folderID)

	s.logger.Info("Upload committed", map[string]interface{}{
		"event":     "upload_committed",
		"kind":      c.kind,
		"owner":     c.owner,
		"uploader":  c.uploader,
		"folder_id": c.folderID,
		"files":     len(c.created),
		"bytes":     c.bytes,
		"used":      used,
	})

	data := map[string]interface{}{
		"folderId":  c.folderID,
		"files":     nodeIDs(c.created),
		"bytes":     c.bytes,
		"usedBytes": used,
	}
	s.events.Publish(ctx, events.Event{Type: events.TypeUploadCompleted, Username: c.owner, Data: data})
	if c.uploader != c.owner {
		s.events.Publish(ctx, events.Event{Type: events.TypeUploadCompleted, Username: c.uploader, Data: data})
	}
}

// rollback deletes every created object. A delete that fails leaves an
// orphan that is not charged to anyone; that is reported, never hidden.
func (s *Service) rollback(ctx context.Context, c commit) error {
	ctx = context.WithoutCancel(ctx)
	var failed []string
	for _, n := range c.created {
		if err := s.gateway.Delete(ctx, n.ID); err != nil {
			failed = append(failed, n.ID)
			s.logger.Error("Compensating delete failed", map[string]interface{}{
				"event":   "rollback_failed",
				"owner":   c.owner,
				"file_id": n.ID,
				"error":   err,
			})
		}
	}
	if len(failed) == 0 {
		s.logger.Info("Upload rolled back", map[string]interface{}{
			"event": "upload_rolled_back",
			"kind":  c.kind,
			"owner": c.owner,
			"files": len(c.created),
		})
		return nil
	}
	for range failed {
		s.metrics.IncRollbackFailed()
	}
	return errors.Internal(
		"Upload could not be rolled back, please contact support",
		fmt.Errorf("%w: %s", errors.ErrRollbackFailed, strings.Join(failed, ",")),
	)
}

func nodeIDs(nodes []*domain.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// countingReader counts bytes as they stream to the provider.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// rangeReader fails with io.ErrUnexpectedEOF when the body ends before want
// bytes were read, and remembers that it did.
type rangeReader struct {
	r     io.Reader
	want  int64
	n     int64
	short atomic.Bool
}

func (c *rangeReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err == io.EOF && c.n < c.want {
		c.short.Store(true)
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

type noopListings struct{}

func (noopListings) InvalidateListing(context.Context, ...string) {}
