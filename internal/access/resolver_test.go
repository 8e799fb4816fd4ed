package access

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sharedrive/pkg/cache"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

type MockRoots struct {
	mock.Mock
}

func (m *MockRoots) EnsureRootFolder(ctx context.Context, username string) (string, error) {
	args := m.Called(ctx, username)
	return args.String(0), args.Error(1)
}

func (m *MockRoots) AccessRoots(ctx context.Context, username string) ([]domain.AccessRoot, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.AccessRoot), args.Error(1)
}

// treeParents serves parent links from a map and counts lookups.
type treeParents struct {
	parent map[string]string
	calls  int
	fail   map[string]error
}

func (t *treeParents) ParentOf(_ context.Context, id string) (string, error) {
	t.calls++
	if err, ok := t.fail[id]; ok {
		return "", err
	}
	return t.parent[id], nil
}

// drive-root
// ├── R (alice)
// │   └── r1
// │       └── r2
// ├── S (bob, shared to alice)
// │   └── s1
// └── X (carol)
//     └── x1
func aliceTree() *treeParents {
	return &treeParents{parent: map[string]string{
		"R": "drive-root", "r1": "R", "r2": "r1",
		"S": "drive-root", "s1": "S",
		"X": "drive-root", "x1": "X",
	}}
}

func aliceRoots() []domain.AccessRoot {
	return []domain.AccessRoot{
		{FolderID: "R", Owner: "alice"},
		{FolderID: "S", Owner: "bob"},
	}
}

func TestResolve_AccessResolution(t *testing.T) {
	ctx := context.Background()
	alice := domain.Principal{Username: "alice", Role: domain.RoleUser}

	tests := []struct {
		target string
		want   *domain.AccessRoot
	}{
		{"R", &domain.AccessRoot{FolderID: "R", Owner: "alice"}},
		{"r2", &domain.AccessRoot{FolderID: "R", Owner: "alice"}},
		{"S", &domain.AccessRoot{FolderID: "S", Owner: "bob"}},
		{"s1", &domain.AccessRoot{FolderID: "S", Owner: "bob"}},
		{"x1", nil},
		{"drive-root", nil},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			roots := new(MockRoots)
			roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)
			r := NewResolver(roots, aliceTree(), logger.NewNop())

			got, err := r.Resolve(ctx, tt.target, alice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_OwnRootWinsOverSharedOnSameChain(t *testing.T) {
	ctx := context.Background()
	// bob shared a folder that sits inside alice's own root.
	tree := &treeParents{parent: map[string]string{"R": "", "S": "R", "s1": "S"}}
	roots := new(MockRoots)
	roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)

	got, err := NewResolver(roots, tree, logger.NewNop()).Resolve(ctx, "s1", domain.Principal{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "R", got.FolderID)
}

func TestResolve_AdminShortCircuits(t *testing.T) {
	ctx := context.Background()
	tree := aliceTree()
	roots := new(MockRoots)
	roots.On("EnsureRootFolder", ctx, "root").Return("ADM", nil)

	got, err := NewResolver(roots, tree, logger.NewNop()).Resolve(ctx, "x1", domain.Principal{Username: "root", Role: domain.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, &domain.AccessRoot{FolderID: "ADM", Owner: "root"}, got)
	assert.Zero(t, tree.calls)
	roots.AssertNotCalled(t, "AccessRoots", mock.Anything, mock.Anything)
}

func TestResolve_AncestorFailurePropagates(t *testing.T) {
	ctx := context.Background()
	tree := aliceTree()
	tree.fail = map[string]error{"r1": fmt.Errorf("connection reset")}
	roots := new(MockRoots)
	roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)

	got, err := NewResolver(roots, tree, logger.NewNop()).Resolve(ctx, "r2", domain.Principal{Username: "alice"})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.IsKind(err, errors.KindUpstream))
	status, _ := errors.StatusOf(err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestResolve_UpstreamStatusKept(t *testing.T) {
	ctx := context.Background()
	tree := aliceTree()
	tree.fail = map[string]error{"gone": errors.Upstream(http.StatusNotFound, "File not found", nil)}
	roots := new(MockRoots)
	roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)

	_, err := NewResolver(roots, tree, logger.NewNop()).Resolve(ctx, "gone", domain.Principal{Username: "alice"})
	status, _ := errors.StatusOf(err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResolve_CycleTerminates(t *testing.T) {
	ctx := context.Background()
	tree := &treeParents{parent: map[string]string{"a": "b", "b": "a"}}
	roots := new(MockRoots)
	roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)

	got, err := NewResolver(roots, tree, logger.NewNop()).Resolve(ctx, "a", domain.Principal{Username: "alice"})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.LessOrEqual(t, tree.calls, 3)
}

func TestResolve_HopLimit(t *testing.T) {
	ctx := context.Background()
	tree := &treeParents{parent: map[string]string{}}
	prev := "R"
	for i := 0; i < MaxHops+5; i++ {
		id := fmt.Sprintf("n%d", i)
		tree.parent[id] = prev
		prev = id
	}
	roots := new(MockRoots)
	roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)

	got, err := NewResolver(roots, tree, logger.NewNop()).Resolve(ctx, prev, domain.Principal{Username: "alice"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequire_MapsToForbidden(t *testing.T) {
	ctx := context.Background()
	roots := new(MockRoots)
	roots.On("AccessRoots", ctx, "alice").Return(aliceRoots(), nil)

	_, err := NewResolver(roots, aliceTree(), logger.NewNop()).Require(ctx, "x1", domain.Principal{Username: "alice"})
	status, _ := errors.StatusOf(err)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestCachedParents_HitsCacheSecondTime(t *testing.T) {
	ctx := context.Background()
	tree := aliceTree()
	cached := NewCachedParents(tree, cache.NewMemoryCache(), time.Minute, logger.NewNop())

	p, err := cached.ParentOf(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r1", p)
	p, err = cached.ParentOf(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r1", p)
	assert.Equal(t, 1, tree.calls)

	cached.Forget(ctx, "r2")
	_, err = cached.ParentOf(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 2, tree.calls)
}

func TestCachedParents_DoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	tree := aliceTree()
	tree.fail = map[string]error{"r1": fmt.Errorf("boom")}
	cached := NewCachedParents(tree, cache.NewMemoryCache(), time.Minute, logger.NewNop())

	_, err := cached.ParentOf(ctx, "r1")
	require.Error(t, err)
	delete(tree.fail, "r1")
	p, err := cached.ParentOf(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "R", p)
}
