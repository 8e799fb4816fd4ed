// ==============================================================================
// FOLDER ACCESS RESOLVER - internal/access/resolver.go
// ==============================================================================
package access

import (
	"context"
	"net/http"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

// MaxHops bounds the ancestor walk so a parent cycle on the provider side
// cannot hang a request.
const MaxHops = 64

// RootSource supplies an account's access roots, own root first.
type RootSource interface {
	EnsureRootFolder(ctx context.Context, username string) (string, error)
	AccessRoots(ctx context.Context, username string) ([]domain.AccessRoot, error)
}

type Resolver struct {
	roots   RootSource
	parents ParentLookup
	logger  logger.Logger
}

func NewResolver(roots RootSource, parents ParentLookup, log logger.Logger) *Resolver {
	return &Resolver{roots: roots, parents: parents, logger: log}
}

// Resolve returns the access root that contains targetID for principal, or
// nil when none does. Administrators always resolve to their own root.
func (r *Resolver) Resolve(ctx context.Context, targetID string, principal domain.Principal) (*domain.AccessRoot, error) {
	if principal.IsAdmin() {
		own, err := r.roots.EnsureRootFolder(ctx, principal.Username)
		if err != nil {
			return nil, err
		}
		return &domain.AccessRoot{FolderID: own, Owner: principal.Username}, nil
	}

	roots, err := r.roots.AccessRoots(ctx, principal.Username)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, nil
	}

	rank := make(map[string]int, len(roots))
	for i, root := range roots {
		if _, dup := rank[root.FolderID]; !dup {
			rank[root.FolderID] = i
		}
	}

	best := -1
	seen := make(map[string]struct{})
	current := targetID
	for hop := 0; current != "" && hop <= MaxHops; hop++ {
		if i, ok := rank[current]; ok && (best < 0 || i < best) {
			best = i
			if best == 0 {
				break
			}
		}
		if _, loop := seen[current]; loop {
			break
		}
		seen[current] = struct{}{}

		parent, err := r.parents.ParentOf(ctx, current)
		if err != nil {
			return nil, ancestorError(err)
		}
		current = parent
	}

	if best < 0 {
		r.logger.Debug("Target outside access roots", map[string]interface{}{
			"username":  principal.Username,
			"target_id": targetID,
		})
		return nil, nil
	}
	root := roots[best]
	return &root, nil
}

// Require is Resolve with "not contained" mapped to a 403.
func (r *Resolver) Require(ctx context.Context, targetID string, principal domain.Principal) (*domain.AccessRoot, error) {
	root, err := r.Resolve(ctx, targetID, principal)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, errors.Forbidden("You do not have access to this folder")
	}
	return root, nil
}

func ancestorError(err error) error {
	if errors.IsKind(err, errors.KindUpstream) {
		return err
	}
	return errors.Upstream(http.StatusServiceUnavailable, "Failed to resolve folder ancestry, please retry", err)
}
