package upload

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"sharedrive/internal/metrics"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
)

// File is one part of a single-shot upload. Size is the size the client
// declared; the stored size is what the provider reports, or what was read.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// UploadFiles stores a batch of small files. The batch is all-or-nothing:
// when any file fails or the batch does not fit the owner's quota, every file
// already created by this call is deleted.
func (s *Service) UploadFiles(ctx context.Context, folderID string, files []File, principal domain.Principal) ([]*domain.Node, error) {
	if len(files) == 0 {
		return nil, errors.Validation("No files provided")
	}
	var declared int64
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return nil, errors.Validation("Every file needs a name")
		}
		if f.Size > 0 {
			declared += f.Size
		}
	}

	folderID, root, err := s.target(ctx, folderID, principal)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, root.Owner, declared); err != nil {
		return nil, err
	}

	c := commit{
		kind:     metrics.KindMultipart,
		owner:    root.Owner,
		uploader: principal.Username,
		folderID: folderID,
	}
	for _, f := range files {
		counter := &countingReader{r: f.Body}
		node, err := s.gateway.UploadFile(ctx, folderID, strings.TrimSpace(f.Name), f.MimeType, counter)
		if err != nil {
			s.metrics.ObserveUpload(c.kind, metrics.ResultUpstream, 0)
			if len(c.created) > 0 {
				if rbErr := s.rollback(ctx, c); rbErr != nil {
					return nil, rbErr
				}
			}
			return nil, err
		}
		c.created = append(c.created, node)
		c.bytes += storedSize(node, counter.n)
	}

	if err := s.commit(ctx, c); err != nil {
		return nil, err
	}
	return c.created, nil
}

// URLRequest asks the service to fetch a remote file into a folder.
type URLRequest struct {
	URL      string `json:"url" validate:"required,url,max=2048"`
	FileName string `json:"fileName" validate:"omitempty,drivename"`
}

// UploadFromURL streams a remote http(s) resource into the drive. The remote
// Content-Length, when known, is used for admission.
func (s *Service) UploadFromURL(ctx context.Context, folderID string, req URLRequest, principal domain.Principal) (*domain.Node, error) {
	src, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (src.Scheme != "http" && src.Scheme != "https") || src.Host == "" {
		return nil, errors.Validation("URL must be an absolute http or https address")
	}

	folderID, root, err := s.target(ctx, folderID, principal)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return nil, errors.Validation("Invalid URL")
	}
	resp, err := s.fetcher.Do(httpReq)
	if err != nil {
		if errors.Is(err, errors.ErrPrivateAddress) {
			s.logger.Warn("Refused URL upload to a private address", map[string]interface{}{
				"username": principal.Username,
				"host":     src.Host,
			})
			return nil, errors.Validation("URL must point to a public address")
		}
		return nil, errors.Upstream(http.StatusBadGateway, "Failed to fetch the URL", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Upstream(http.StatusBadGateway,
			fmt.Sprintf("Remote server responded with %d", resp.StatusCode), nil)
	}

	declared := resp.ContentLength
	if declared < 0 {
		declared = 0
	}
	if err := s.admit(ctx, root.Owner, declared); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.FileName)
	if name == "" {
		name = nameFromURL(src)
	}
	mimeType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = mt
		}
	}

	counter := &countingReader{r: resp.Body}
	node, err := s.gateway.UploadFile(ctx, folderID, name, mimeType, counter)
	if err != nil {
		s.metrics.ObserveUpload(metrics.KindURL, metrics.ResultUpstream, 0)
		return nil, err
	}

	err = s.commit(ctx, commit{
		kind:     metrics.KindURL,
		owner:    root.Owner,
		uploader: principal.Username,
		folderID: folderID,
		created:  []*domain.Node{node},
		bytes:    storedSize(node, counter.n),
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func storedSize(node *domain.Node, counted int64) int64 {
	if node.Size > 0 {
		return node.Size
	}
	return counted
}

func nameFromURL(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "download"
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		return unescaped
	}
	return base
}
