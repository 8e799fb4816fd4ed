// Package drive adapts the external object store that holds account files.
package drive

import (
	"context"
	"fmt"
	"io"

	"sharedrive/pkg/domain"
)

// Gateway is the contract the upload and file services need from the drive
// provider.
type Gateway interface {
	ListFiles(ctx context.Context, folderID string) ([]*domain.Node, error)
	GetFile(ctx context.Context, id string) (*domain.Node, error)
	CreateFolder(ctx context.Context, parentID, name string) (*domain.Node, error)
	UploadFile(ctx context.Context, parentID, name, mimeType string, body io.Reader) (*domain.Node, error)
	CreateResumableSession(ctx context.Context, req ResumableRequest) (string, error)
	UploadChunk(ctx context.Context, uploadURL string, chunk Chunk) (*ChunkResult, error)
	QueryResumable(ctx context.Context, uploadURL string, total int64) (*ChunkResult, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, newName string) (*domain.Node, error)
}

// ResumableRequest describes the object a resumable session will create.
type ResumableRequest struct {
	Name     string
	MimeType string
	Size     int64
	ParentID string
}

// Chunk is one byte range of a resumable upload. Body must yield exactly
// End-Start+1 bytes.
type Chunk struct {
	Start int64
	End   int64
	Total int64
	Body  io.Reader
}

func (c Chunk) Length() int64 {
	return c.End - c.Start + 1
}

// ContentRange renders the Content-Range header value for the chunk.
func (c Chunk) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", c.Start, c.End, c.Total)
}

// ChunkResult is the provider's answer to a chunk. When Completed is false,
// CommittedEnd is the last byte the provider holds (-1 for none) and Range is
// the provider's range header, relayed to clients as-is.
type ChunkResult struct {
	Completed    bool
	File         *domain.Node
	CommittedEnd int64
	Range        string
}
