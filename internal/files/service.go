// ==============================================================================
// FILE OPERATIONS - internal/files/service.go
// ==============================================================================
package files

import (
	"context"
	"sort"
	"strings"
	"time"

	"sharedrive/internal/access"
	"sharedrive/internal/events"
	"sharedrive/pkg/cache"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
	"sharedrive/pkg/validator"
)

type Gateway interface {
	ListFiles(ctx context.Context, folderID string) ([]*domain.Node, error)
	GetFile(ctx context.Context, id string) (*domain.Node, error)
	CreateFolder(ctx context.Context, parentID, name string) (*domain.Node, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, newName string) (*domain.Node, error)
}

type Resolver interface {
	Require(ctx context.Context, targetID string, principal domain.Principal) (*domain.AccessRoot, error)
}

type RootLocator interface {
	EnsureRootFolder(ctx context.Context, username string) (string, error)
}

type Ledger interface {
	Increment(ctx context.Context, username string, delta int64) (int64, error)
}

// ParentForgetter drops cached parent links of deleted nodes.
type ParentForgetter interface {
	Forget(ctx context.Context, ids ...string)
}

type Service struct {
	gateway    Gateway
	resolver   Resolver
	roots      RootLocator
	ledger     Ledger
	listings   cache.Cache
	listingTTL time.Duration
	parents    ParentForgetter
	events     events.Publisher
	logger     logger.Logger
}

type Option func(*Service)

// WithListingCache caches folder listings for ttl.
func WithListingCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.listings = c
		s.listingTTL = ttl
	}
}

func WithParentForgetter(p ParentForgetter) Option {
	return func(s *Service) { s.parents = p }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func NewService(gateway Gateway, resolver Resolver, roots RootLocator, ledger Ledger, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		gateway:  gateway,
		resolver: resolver,
		roots:    roots,
		ledger:   ledger,
		events:   events.Discard,
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) folderOrRoot(ctx context.Context, folderID string, principal domain.Principal) (string, error) {
	if folderID != "" {
		return folderID, nil
	}
	return s.roots.EnsureRootFolder(ctx, principal.Username)
}

func listingKey(folderID string) string {
	return "list:" + folderID
}

// List returns the children of a folder, folders first and then by name.
// clear bypasses and refreshes the listing cache.
func (s *Service) List(ctx context.Context, folderID string, principal domain.Principal, clear bool) ([]*domain.Node, error) {
	folderID, err := s.folderOrRoot(ctx, folderID, principal)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Require(ctx, folderID, principal); err != nil {
		return nil, err
	}

	if s.listings != nil && !clear {
		var cached []*domain.Node
		err := s.listings.Get(ctx, listingKey(folderID), &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("Listing cache read failed", map[string]interface{}{"folder_id": folderID, "error": err})
		}
	}

	nodes, err := s.gateway.ListFiles(ctx, folderID)
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	if nodes == nil {
		nodes = []*domain.Node{}
	}

	if s.listings != nil {
		if err := s.listings.Set(ctx, listingKey(folderID), nodes, s.listingTTL); err != nil {
			s.logger.Warn("Listing cache write failed", map[string]interface{}{"folder_id": folderID, "error": err})
		}
	}
	return nodes, nil
}

// Parents returns the breadcrumb from the caller's access root down to id,
// both ends included.
func (s *Service) Parents(ctx context.Context, id string, principal domain.Principal) ([]*domain.Node, error) {
	id, err := s.folderOrRoot(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	root, err := s.resolver.Require(ctx, id, principal)
	if err != nil {
		return nil, err
	}

	var chain []*domain.Node
	current := id
	for hop := 0; current != "" && hop <= access.MaxHops; hop++ {
		node, err := s.gateway.GetFile(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, node)
		if current == root.FolderID {
			break
		}
		current = node.Parent()
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *Service) CreateFolder(ctx context.Context, parentID, name string, principal domain.Principal) (*domain.Node, error) {
	name = strings.TrimSpace(name)
	if !validator.ValidName(name) {
		return nil, errors.Validation("Invalid folder name")
	}
	parentID, err := s.folderOrRoot(ctx, parentID, principal)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Require(ctx, parentID, principal); err != nil {
		return nil, err
	}

	folder, err := s.gateway.CreateFolder(ctx, parentID, name)
	if err != nil {
		return nil, err
	}
	s.InvalidateListing(ctx, parentID)

	s.logger.Info("Folder created", map[string]interface{}{
		"event":     "folder_created",
		"username":  principal.Username,
		"parent_id": parentID,
		"folder_id": folder.ID,
	})
	return folder, nil
}

func (s *Service) Rename(ctx context.Context, id, newName string, principal domain.Principal) (*domain.Node, error) {
	newName = strings.TrimSpace(newName)
	if !validator.ValidName(newName) {
		return nil, errors.Validation("Invalid name")
	}
	root, err := s.resolver.Require(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if id == root.FolderID {
		return nil, errors.Validation("A root folder cannot be renamed")
	}

	node, err := s.gateway.Rename(ctx, id, newName)
	if err != nil {
		return nil, err
	}
	s.InvalidateListing(ctx, node.Parents...)
	return node, nil
}

// Delete removes a file or folder and credits its size back to the account
// that owns the access root. Owner and size are read before the delete,
// since the provider cannot report them afterwards.
func (s *Service) Delete(ctx context.Context, id string, principal domain.Principal) error {
	root, err := s.resolver.Require(ctx, id, principal)
	if err != nil {
		return err
	}
	if id == root.FolderID {
		return errors.Validation("A root folder cannot be deleted")
	}

	node, err := s.gateway.GetFile(ctx, id)
	if err != nil {
		return err
	}
	size := node.Size
	if node.IsFolder() {
		if size, err = s.folderSize(ctx, id, 0); err != nil {
			return err
		}
	}

	if err := s.gateway.Delete(ctx, id); err != nil {
		return err
	}
	s.InvalidateListing(ctx, append([]string{id}, node.Parents...)...)
	if s.parents != nil {
		s.parents.Forget(ctx, id)
	}

	fields := map[string]interface{}{
		"event":    "node_deleted",
		"username": principal.Username,
		"owner":    root.Owner,
		"node_id":  id,
		"size":     size,
	}
	data := map[string]interface{}{"id": id, "size": size}
	if size > 0 {
		used, err := s.ledger.Increment(ctx, root.Owner, -size)
		if err != nil {
			s.logger.Error("Deleted node but failed to credit storage", map[string]interface{}{
				"owner":   root.Owner,
				"node_id": id,
				"size":    size,
				"error":   err,
			})
			return errors.Internal("Deleted, but storage usage could not be updated", err)
		}
		fields["used"] = used
		data["usedBytes"] = used
	}
	s.logger.Info("Node deleted", fields)
	s.events.Publish(ctx, events.Event{Type: events.TypeNodeDeleted, Username: root.Owner, Data: data})
	return nil
}

// folderSize sums the sizes of every file below folderID.
func (s *Service) folderSize(ctx context.Context, folderID string, depth int) (int64, error) {
	if depth > access.MaxHops {
		return 0, nil
	}
	children, err := s.gateway.ListFiles(ctx, folderID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, child := range children {
		if child.IsFolder() {
			sub, err := s.folderSize(ctx, child.ID, depth+1)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		total += child.Size
	}
	return total, nil
}

// InvalidateListing drops the cached listings of the given folders.
func (s *Service) InvalidateListing(ctx context.Context, folderIDs ...string) {
	if s.listings == nil || len(folderIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(folderIDs))
	for _, id := range folderIDs {
		if id != "" {
			keys = append(keys, listingKey(id))
		}
	}
	if err := s.listings.Delete(ctx, keys...); err != nil {
		s.logger.Warn("Listing cache delete failed", map[string]interface{}{"error": err})
	}
}

func sortNodes(nodes []*domain.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		fi, fj := nodes[i].IsFolder(), nodes[j].IsFolder()
		if fi != fj {
			return fi
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
}
