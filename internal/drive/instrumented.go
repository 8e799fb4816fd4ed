package drive

import (
	"context"
	"io"
	"time"

	"sharedrive/internal/metrics"
	"sharedrive/pkg/domain"
)

// Instrumented records the latency and outcome of every provider call.
type Instrumented struct {
	next    Gateway
	metrics *metrics.Metrics
}

func NewInstrumented(next Gateway, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (g *Instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	g.metrics.ObserveDrive(op, result, time.Since(start))
}

func (g *Instrumented) ListFiles(ctx context.Context, folderID string) ([]*domain.Node, error) {
	start := time.Now()
	nodes, err := g.next.ListFiles(ctx, folderID)
	g.observe("list", start, err)
	return nodes, err
}

func (g *Instrumented) GetFile(ctx context.Context, id string) (*domain.Node, error) {
	start := time.Now()
	node, err := g.next.GetFile(ctx, id)
	g.observe("get", start, err)
	return node, err
}

func (g *Instrumented) CreateFolder(ctx context.Context, parentID, name string) (*domain.Node, error) {
	start := time.Now()
	node, err := g.next.CreateFolder(ctx, parentID, name)
	g.observe("create_folder", start, err)
	return node, err
}

func (g *Instrumented) UploadFile(ctx context.Context, parentID, name, mimeType string, body io.Reader) (*domain.Node, error) {
	start := time.Now()
	node, err := g.next.UploadFile(ctx, parentID, name, mimeType, body)
	g.observe("upload", start, err)
	return node, err
}

func (g *Instrumented) CreateResumableSession(ctx context.Context, req ResumableRequest) (string, error) {
	start := time.Now()
	url, err := g.next.CreateResumableSession(ctx, req)
	g.observe("resumable_create", start, err)
	return url, err
}

func (g *Instrumented) UploadChunk(ctx context.Context, uploadURL string, chunk Chunk) (*ChunkResult, error) {
	start := time.Now()
	res, err := g.next.UploadChunk(ctx, uploadURL, chunk)
	g.observe("resumable_chunk", start, err)
	return res, err
}

func (g *Instrumented) QueryResumable(ctx context.Context, uploadURL string, total int64) (*ChunkResult, error) {
	start := time.Now()
	res, err := g.next.QueryResumable(ctx, uploadURL, total)
	g.observe("resumable_query", start, err)
	return res, err
}

func (g *Instrumented) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := g.next.Delete(ctx, id)
	g.observe("delete", start, err)
	return err
}

func (g *Instrumented) Rename(ctx context.Context, id, newName string) (*domain.Node, error) {
	start := time.Now()
	node, err := g.next.Rename(ctx, id, newName)
	g.observe("rename", start, err)
	return node, err
}
