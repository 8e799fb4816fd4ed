package files

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrive/internal/access"
	"sharedrive/internal/drive"
	"sharedrive/internal/session"
	"sharedrive/internal/upload"
	"sharedrive/pkg/cache"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

// memDrive is an in-memory drive provider.
type memDrive struct {
	mu    sync.Mutex
	nodes map[string]*domain.Node
	seq   int
	lists int
}

func newMemDrive() *memDrive {
	return &memDrive{nodes: make(map[string]*domain.Node)}
}

func (d *memDrive) add(id, parent, name, mime string, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := &domain.Node{ID: id, Name: name, MimeType: mime, Size: size}
	if parent != "" {
		n.Parents = []string{parent}
	}
	d.nodes[id] = n
}

func (d *memDrive) nextID() string {
	d.seq++
	return fmt.Sprintf("n%d", d.seq)
}

func (d *memDrive) ListFiles(_ context.Context, folderID string) ([]*domain.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists++
	var out []*domain.Node
	for _, n := range d.nodes {
		if n.Parent() == folderID {
			c := *n
			out = append(out, &c)
		}
	}
	return out, nil
}

func (d *memDrive) GetFile(_ context.Context, id string) (*domain.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil, errors.Upstream(http.StatusNotFound, "File not found: "+id, nil)
	}
	c := *n
	return &c, nil
}

func (d *memDrive) CreateFolder(_ context.Context, parentID, name string) (*domain.Node, error) {
	d.mu.Lock()
	id := d.nextID()
	d.mu.Unlock()
	d.add(id, parentID, name, domain.FolderMimeType, 0)
	return d.GetFile(context.Background(), id)
}

func (d *memDrive) UploadFile(_ context.Context, parentID, name, mimeType string, body io.Reader) (*domain.Node, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	id := d.nextID()
	d.mu.Unlock()
	d.add(id, parentID, name, mimeType, int64(len(data)))
	return d.GetFile(context.Background(), id)
}

func (d *memDrive) CreateResumableSession(context.Context, drive.ResumableRequest) (string, error) {
	return "", errors.New("not supported")
}

func (d *memDrive) UploadChunk(context.Context, string, drive.Chunk) (*drive.ChunkResult, error) {
	return nil, errors.New("not supported")
}

func (d *memDrive) QueryResumable(context.Context, string, int64) (*drive.ChunkResult, error) {
	return nil, errors.New("not supported")
}

func (d *memDrive) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[id]; !ok {
		return errors.Upstream(http.StatusNotFound, "File not found: "+id, nil)
	}
	d.deleteLocked(id)
	return nil
}

func (d *memDrive) deleteLocked(id string) {
	delete(d.nodes, id)
	for cid, n := range d.nodes {
		if n.Parent() == id {
			d.deleteLocked(cid)
		}
	}
}

func (d *memDrive) Rename(_ context.Context, id, newName string) (*domain.Node, error) {
	d.mu.Lock()
	n, ok := d.nodes[id]
	if ok {
		n.Name = newName
	}
	d.mu.Unlock()
	if !ok {
		return nil, errors.Upstream(http.StatusNotFound, "File not found: "+id, nil)
	}
	return d.GetFile(context.Background(), id)
}

// sizeUnder sums file sizes below root, the ground truth for the ledger.
func (d *memDrive) sizeUnder(root string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, n := range d.nodes {
		if n.IsFolder() {
			continue
		}
		for p := n.Parent(); p != ""; {
			if p == root {
				total += n.Size
				break
			}
			parent, ok := d.nodes[p]
			if !ok {
				break
			}
			p = parent.Parent()
		}
	}
	return total
}

// memLedger clamps at zero like the SQL ledger.
type memLedger struct {
	mu    sync.Mutex
	used  map[string]int64
	limit map[string]int64
}

func newMemLedger() *memLedger {
	return &memLedger{used: map[string]int64{}, limit: map[string]int64{}}
}

func (l *memLedger) Status(_ context.Context, username string) (*domain.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &domain.QuotaStatus{UsedBytes: l.used[username], LimitBytes: l.limit[username]}, nil
}

func (l *memLedger) Increment(_ context.Context, username string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.used[username] + delta
	if v < 0 {
		v = 0
	}
	l.used[username] = v
	return v, nil
}

type memRoots struct {
	own    map[string]string
	shared map[string][]domain.AccessRoot
}

func (r memRoots) EnsureRootFolder(_ context.Context, username string) (string, error) {
	return r.own[username], nil
}

func (r memRoots) AccessRoots(_ context.Context, username string) ([]domain.AccessRoot, error) {
	roots := []domain.AccessRoot{{FolderID: r.own[username], Owner: username}}
	return append(roots, r.shared[username]...), nil
}

var (
	alice = domain.Principal{Username: "alice", Role: domain.RoleUser}
	bob   = domain.Principal{Username: "bob", Role: domain.RoleUser}
	admin = domain.Principal{Username: "root", Role: domain.RoleAdmin}
)

type world struct {
	drive   *memDrive
	ledger  *memLedger
	files   *Service
	uploads *upload.Service
	cache   *cache.MemoryCache
}

// newWorld builds drive-root with roots R (alice), B (bob), ADM (admin).
// bob's root is shared with alice.
func newWorld(t *testing.T) *world {
	t.Helper()
	d := newMemDrive()
	d.add("drive-root", "", "drive", domain.FolderMimeType, 0)
	d.add("R", "drive-root", "alice", domain.FolderMimeType, 0)
	d.add("B", "drive-root", "bob", domain.FolderMimeType, 0)
	d.add("ADM", "drive-root", "root", domain.FolderMimeType, 0)

	roots := memRoots{
		own:    map[string]string{"alice": "R", "bob": "B", "root": "ADM"},
		shared: map[string][]domain.AccessRoot{"alice": {{FolderID: "B", Owner: "bob"}}},
	}
	resolver := access.NewResolver(roots, access.NewGatewayParents(d), logger.NewNop())
	ledger := newMemLedger()
	c := cache.NewMemoryCache()

	files := NewService(d, resolver, roots, ledger, logger.NewNop(), WithListingCache(c, time.Minute))
	uploads := upload.NewService(d, ledger, resolver, roots,
		session.NewMemoryRegistry(session.DefaultTTL, logger.NewNop()),
		upload.Config{}, logger.NewNop(), upload.WithListingInvalidator(files))

	return &world{drive: d, ledger: ledger, files: files, uploads: uploads, cache: c}
}

func (w *world) put(t *testing.T, folder, name string, size int, p domain.Principal) *domain.Node {
	t.Helper()
	nodes, err := w.uploads.UploadFiles(context.Background(), folder, []upload.File{
		{Name: name, Size: int64(size), Body: strings.NewReader(strings.Repeat("x", size))},
	}, p)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	return nodes[0]
}

func statusOf(err error) int {
	code, _ := errors.StatusOf(err)
	return code
}

func TestLedgerMatchesStoredBytesAfterSequentialOps(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	docs, err := w.files.CreateFolder(ctx, "", "docs", alice)
	require.NoError(t, err)
	sub, err := w.files.CreateFolder(ctx, docs.ID, "deep", alice)
	require.NoError(t, err)

	a := w.put(t, "", "a.bin", 100, alice)
	w.put(t, docs.ID, "b.bin", 250, alice)
	w.put(t, sub.ID, "c.bin", 40, alice)
	shared := w.put(t, "B", "for-bob.bin", 70, alice)
	check := func() {
		assert.Equal(t, w.drive.sizeUnder("R"), w.ledger.used["alice"])
		assert.Equal(t, w.drive.sizeUnder("B"), w.ledger.used["bob"])
	}
	check()
	assert.Equal(t, int64(390), w.ledger.used["alice"])
	assert.Equal(t, int64(70), w.ledger.used["bob"], "upload into a shared root charges its owner")

	require.NoError(t, w.files.Delete(ctx, a.ID, alice))
	check()

	require.NoError(t, w.files.Delete(ctx, docs.ID, alice))
	check()
	assert.Equal(t, int64(0), w.ledger.used["alice"])

	require.NoError(t, w.files.Delete(ctx, shared.ID, alice))
	check()
	assert.Equal(t, int64(0), w.ledger.used["bob"])
}

func TestDelete_AdminDeletesAnyFolder(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	folder, err := w.files.CreateFolder(ctx, "", "private", alice)
	require.NoError(t, err)

	err = w.files.Delete(ctx, folder.ID, admin)
	require.NoError(t, err)

	_, err = w.drive.GetFile(ctx, folder.ID)
	assert.Equal(t, http.StatusNotFound, statusOf(err))
}

func TestDelete_OutsideAccessRootsForbidden(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	mine := w.put(t, "", "secret.txt", 10, alice)

	err := w.files.Delete(ctx, mine.ID, bob)
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	_, err = w.drive.GetFile(ctx, mine.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(10), w.ledger.used["alice"])
}

func TestDelete_RootFolderRejected(t *testing.T) {
	w := newWorld(t)

	err := w.files.Delete(context.Background(), "R", alice)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
	err = w.files.Delete(context.Background(), "B", alice)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
}

func TestDelete_ZeroSizeSkipsLedger(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.drive.add("gdoc", "R", "Notes", "application/vnd.google-apps.document", 0)
	w.ledger.used["alice"] = 5

	require.NoError(t, w.files.Delete(ctx, "gdoc", alice))
	assert.Equal(t, int64(5), w.ledger.used["alice"])
}

func TestList_SortedAndCached(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.put(t, "", "zeta.txt", 1, alice)
	w.put(t, "", "Alpha.txt", 1, alice)
	_, err := w.files.CreateFolder(ctx, "", "photos", alice)
	require.NoError(t, err)

	nodes, err := w.files.List(ctx, "", alice, false)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"photos", "Alpha.txt", "zeta.txt"}, []string{nodes[0].Name, nodes[1].Name, nodes[2].Name})

	lists := w.drive.lists
	_, err = w.files.List(ctx, "R", alice, false)
	require.NoError(t, err)
	assert.Equal(t, lists, w.drive.lists, "second listing served from cache")

	_, err = w.files.List(ctx, "R", alice, true)
	require.NoError(t, err)
	assert.Equal(t, lists+1, w.drive.lists, "clear bypasses the cache")
}

func TestList_UploadInvalidatesCache(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	nodes, err := w.files.List(ctx, "", alice, false)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	w.put(t, "", "new.txt", 3, alice)
	nodes, err = w.files.List(ctx, "", alice, false)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestList_ForbiddenOutsideRoots(t *testing.T) {
	w := newWorld(t)

	_, err := w.files.List(context.Background(), "R", bob, false)
	assert.Equal(t, http.StatusForbidden, statusOf(err))
}

func TestParents_Breadcrumb(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	docs, err := w.files.CreateFolder(ctx, "", "docs", alice)
	require.NoError(t, err)
	deep, err := w.files.CreateFolder(ctx, docs.ID, "deep", alice)
	require.NoError(t, err)

	chain, err := w.files.Parents(ctx, deep.ID, alice)
	require.NoError(t, err)
	var names []string
	for _, n := range chain {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"alice", "docs", "deep"}, names)

	chain, err = w.files.Parents(ctx, "", alice)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "R", chain[0].ID)
}

func TestCreateFolder_InvalidName(t *testing.T) {
	w := newWorld(t)

	_, err := w.files.CreateFolder(context.Background(), "", "a/b", alice)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
	_, err = w.files.CreateFolder(context.Background(), "", "  ", alice)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
}

func TestRename(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	n := w.put(t, "", "old.txt", 1, alice)

	renamed, err := w.files.Rename(ctx, n.ID, "new.txt", alice)
	require.NoError(t, err)
	assert.Equal(t, "new.txt", renamed.Name)

	_, err = w.files.Rename(ctx, "R", "mine", alice)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))

	_, err = w.files.Rename(ctx, n.ID, "stolen.txt", bob)
	assert.Equal(t, http.StatusForbidden, statusOf(err))
}
