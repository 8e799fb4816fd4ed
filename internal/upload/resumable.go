package upload

import (
	"context"
	"fmt"
	"io"
	"strings"

	"sharedrive/internal/drive"
	"sharedrive/internal/metrics"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
)

type StartRequest struct {
	Name     string `json:"name" validate:"required,drivename"`
	MimeType string `json:"mimeType" validate:"omitempty,max=255"`
	Size     int64  `json:"size" validate:"required,gt=0"`
}

// ChunkRequest is one byte range posted to an upload session. DeclaredSize
// is -1 when the client sent no size header. HeaderErr carries a range
// header that could not be parsed; it is reported only once the session
// and its ownership have been checked.
type ChunkRequest struct {
	UploadID     string
	Start        int64
	End          int64
	Total        int64
	DeclaredSize int64
	Body         io.Reader
	HeaderErr    error
}

// ChunkOutcome is either a continuation (Completed false, Range set to the
// provider's committed range) or the finished file.
type ChunkOutcome struct {
	Completed bool
	FileID    string
	Range     string
}

// Start admits a resumable upload against the owning account's quota and
// opens a provider session. Nothing is charged until the last chunk lands.
func (s *Service) Start(ctx context.Context, folderID string, req StartRequest, principal domain.Principal) (string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", errors.Validation("File name is required")
	}
	if req.Size <= 0 {
		return "", errors.Validation("File size must be a positive number")
	}

	folderID, root, err := s.target(ctx, folderID, principal)
	if err != nil {
		return "", err
	}
	if err := s.admit(ctx, root.Owner, req.Size); err != nil {
		return "", err
	}

	uploadURL, err := s.gateway.CreateResumableSession(ctx, drive.ResumableRequest{
		Name:     name,
		MimeType: req.MimeType,
		Size:     req.Size,
		ParentID: folderID,
	})
	if err != nil {
		return "", err
	}

	id, err := s.sessions.Create(ctx, &domain.UploadSession{
		UploadURL: uploadURL,
		FolderID:  folderID,
		Uploader:  principal.Username,
		Owner:     root.Owner,
		MimeType:  req.MimeType,
		Name:      name,
		TotalSize: req.Size,
		Committed: -1,
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Resumable upload started", map[string]interface{}{
		"event":     "upload_started",
		"upload_id": id,
		"uploader":  principal.Username,
		"owner":     root.Owner,
		"folder_id": folderID,
		"size":      req.Size,
	})
	return id, nil
}

// Chunk validates one range against its session and forwards it. A range the
// provider already acknowledged is answered from the session without being
// sent again.
func (s *Service) Chunk(ctx context.Context, req ChunkRequest, principal domain.Principal) (*ChunkOutcome, error) {
	sess, err := s.sessions.Get(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.NotFound("Upload session not found or expired", errors.ErrSessionNotFound)
	}
	if sess.Uploader != principal.Username {
		s.metrics.IncChunk("rejected")
		return nil, errors.Forbidden("Upload session belongs to another user")
	}
	if req.HeaderErr != nil {
		s.metrics.IncChunk("rejected")
		return nil, req.HeaderErr
	}
	if err := validateRange(req, sess, s.config.MaxChunkBytes); err != nil {
		s.metrics.IncChunk("rejected")
		return nil, err
	}

	if req.End <= sess.Committed {
		s.metrics.IncChunk("deduplicated")
		return &ChunkOutcome{Range: committedRange(sess.Committed)}, nil
	}

	// Our record trails what the client is sending; a previous response may
	// have been lost. Ask the provider where it stands.
	if req.Start > sess.Committed+1 {
		res, err := s.gateway.QueryResumable(ctx, sess.UploadURL, sess.TotalSize)
		if err != nil {
			return nil, err
		}
		if res.Completed {
			return s.finish(ctx, sess, res.File)
		}
		if res.CommittedEnd > sess.Committed {
			sess.Committed = res.CommittedEnd
			if err := s.sessions.Update(ctx, sess); err != nil {
				return nil, err
			}
		}
		if req.End <= sess.Committed {
			s.metrics.IncChunk("deduplicated")
			return &ChunkOutcome{Range: committedRange(sess.Committed)}, nil
		}
	}

	body := &rangeReader{r: io.LimitReader(req.Body, req.End-req.Start+1), want: req.End - req.Start + 1}
	res, err := s.gateway.UploadChunk(ctx, sess.UploadURL, drive.Chunk{
		Start: req.Start,
		End:   req.End,
		Total: req.Total,
		Body:  body,
	})
	if err != nil {
		if body.short.Load() {
			s.metrics.IncChunk("rejected")
			return nil, errors.Validation("Chunk body is shorter than the byte range")
		}
		s.metrics.IncChunk("failed")
		return nil, err
	}
	s.metrics.IncChunk("forwarded")

	if !res.Completed {
		if res.CommittedEnd > sess.Committed {
			sess.Committed = res.CommittedEnd
			if err := s.sessions.Update(ctx, sess); err != nil {
				return nil, err
			}
		}
		return &ChunkOutcome{Range: res.Range}, nil
	}
	return s.finish(ctx, sess, res.File)
}

// finish runs the post-upload quota check for a completed session and evicts
// it whatever the outcome.
func (s *Service) finish(ctx context.Context, sess *domain.UploadSession, file *domain.Node) (*ChunkOutcome, error) {
	defer s.evict(ctx, sess.ID)

	size := file.Size
	if size <= 0 {
		size = sess.TotalSize
	}
	err := s.commit(ctx, commit{
		kind:     metrics.KindResumable,
		owner:    sess.Owner,
		uploader: sess.Uploader,
		folderID: sess.FolderID,
		created:  []*domain.Node{file},
		bytes:    size,
	})
	if err != nil {
		return nil, err
	}
	return &ChunkOutcome{Completed: true, FileID: file.ID}, nil
}

func (s *Service) evict(ctx context.Context, id string) {
	if err := s.sessions.Delete(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("Failed to evict upload session", map[string]interface{}{
			"upload_id": id,
			"error":     err,
		})
	}
}

func validateRange(req ChunkRequest, sess *domain.UploadSession, maxChunk int64) error {
	if req.Total != sess.TotalSize {
		return errors.Validation(fmt.Sprintf("Total size %d does not match the session size %d", req.Total, sess.TotalSize))
	}
	if req.Start < 0 || req.Start > req.End || req.End >= req.Total {
		return errors.Validation("Invalid byte range")
	}
	length := req.End - req.Start + 1
	if req.DeclaredSize >= 0 && req.DeclaredSize != length {
		return errors.Validation("Chunk size does not match the byte range")
	}
	if maxChunk > 0 && length > maxChunk {
		return errors.Validation(fmt.Sprintf("Chunk exceeds the maximum of %d bytes", maxChunk))
	}
	return nil
}

func committedRange(end int64) string {
	return fmt.Sprintf("bytes=0-%d", end)
}
