package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

const nodeFields = "id, name, mimeType, size, parents, createdTime, modifiedTime, thumbnailLink"

// OAuthConfig identifies the OAuth client and the long-lived refresh token
// used to act on the service drive.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// TokenSource returns a token source that refreshes the access token when it
// expires. It is built once by the composition root and injected.
func TokenSource(ctx context.Context, cfg OAuthConfig) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		Scopes:       []string{gdrive.DriveScope},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

type GoogleConfig struct {
	APIEndpoint    string
	UploadEndpoint string
}

// GoogleGateway implements Gateway on Google Drive v3. Metadata calls go
// through the generated client; the resumable protocol is spoken directly so
// chunk bytes can be proxied without buffering.
type GoogleGateway struct {
	service        *gdrive.Service
	client         *http.Client
	uploadEndpoint string
	logger         logger.Logger
}

func NewGoogleGateway(ctx context.Context, ts oauth2.TokenSource, cfg GoogleConfig, log logger.Logger) (*GoogleGateway, error) {
	authed := oauth2.NewClient(ctx, ts)
	// 308 is the resumable continuation signal, never a redirect to follow.
	client := &http.Client{
		Transport: authed.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.APIEndpoint))
	}
	svc, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create drive service")
	}

	return &GoogleGateway{
		service:        svc,
		client:         client,
		uploadEndpoint: cfg.UploadEndpoint,
		logger:         log,
	}, nil
}

func (g *GoogleGateway) ListFiles(ctx context.Context, folderID string) ([]*domain.Node, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
	var nodes []*domain.Node
	pageToken := ""
	for {
		call := g.service.Files.List().
			Q(q).
			OrderBy("folder,name").
			PageSize(1000).
			Fields(googleapi.Field("nextPageToken, files(" + nodeFields + ")")).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, upstream("list files", err)
		}
		for _, f := range list.Files {
			nodes = append(nodes, toNode(f))
		}
		if list.NextPageToken == "" {
			return nodes, nil
		}
		pageToken = list.NextPageToken
	}
}

func (g *GoogleGateway) GetFile(ctx context.Context, id string) (*domain.Node, error) {
	f, err := g.service.Files.Get(id).Fields(googleapi.Field(nodeFields)).Context(ctx).Do()
	if err != nil {
		return nil, upstream("get file", err)
	}
	return toNode(f), nil
}

func (g *GoogleGateway) CreateFolder(ctx context.Context, parentID, name string) (*domain.Node, error) {
	meta := &gdrive.File{Name: name, MimeType: domain.FolderMimeType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}
	f, err := g.service.Files.Create(meta).Fields(googleapi.Field(nodeFields)).Context(ctx).Do()
	if err != nil {
		return nil, upstream("create folder", err)
	}
	return toNode(f), nil
}

func (g *GoogleGateway) UploadFile(ctx context.Context, parentID, name, mimeType string, body io.Reader) (*domain.Node, error) {
	meta := &gdrive.File{Name: name, MimeType: mimeType, Parents: []string{parentID}}
	var mediaOpts []googleapi.MediaOption
	if mimeType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(mimeType))
	}
	f, err := g.service.Files.Create(meta).
		Media(body, mediaOpts...).
		Fields(googleapi.Field(nodeFields)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, upstream("upload file", err)
	}
	return toNode(f), nil
}

func (g *GoogleGateway) Delete(ctx context.Context, id string) error {
	if err := g.service.Files.Delete(id).Context(ctx).Do(); err != nil {
		return upstream("delete file", err)
	}
	return nil
}

func (g *GoogleGateway) Rename(ctx context.Context, id, newName string) (*domain.Node, error) {
	f, err := g.service.Files.Update(id, &gdrive.File{Name: newName}).
		Fields(googleapi.Field(nodeFields)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, upstream("rename file", err)
	}
	return toNode(f), nil
}

// CreateResumableSession opens a provider resumable session and returns its
// upload URL.
func (g *GoogleGateway) CreateResumableSession(ctx context.Context, req ResumableRequest) (string, error) {
	payload := map[string]interface{}{"name": req.Name}
	if req.MimeType != "" {
		payload["mimeType"] = req.MimeType
	}
	if req.ParentID != "" {
		payload["parents"] = []string{req.ParentID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint, err := url.Parse(g.uploadEndpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid upload endpoint")
	}
	q := endpoint.Query()
	q.Set("uploadType", "resumable")
	q.Set("fields", nodeFields)
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if req.MimeType != "" {
		httpReq.Header.Set("X-Upload-Content-Type", req.MimeType)
	}
	if req.Size > 0 {
		httpReq.Header.Set("X-Upload-Content-Length", strconv.FormatInt(req.Size, 10))
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", errors.Upstream(http.StatusBadGateway, "Failed to open upload session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", upstreamResponse("open upload session", resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", errors.Upstream(http.StatusBadGateway, "Drive did not return an upload URL", nil)
	}
	return location, nil
}

// UploadChunk streams one chunk to the session URL.
func (g *GoogleGateway) UploadChunk(ctx context.Context, uploadURL string, chunk Chunk) (*ChunkResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, chunk.Body)
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = chunk.Length()
	httpReq.Header.Set("Content-Range", chunk.ContentRange())

	return g.doResumable(httpReq, "upload chunk")
}

// QueryResumable asks the provider how many bytes of the session it holds.
func (g *GoogleGateway) QueryResumable(ctx context.Context, uploadURL string, total int64) (*ChunkResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = 0
	httpReq.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))

	return g.doResumable(httpReq, "query upload status")
}

func (g *GoogleGateway) doResumable(req *http.Request, op string) (*ChunkResult, error) {
	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Upstream(http.StatusBadGateway, "Failed to reach drive", err)
	}
	defer resp.Body.Close()

	g.logger.Debug("Resumable call finished", map[string]interface{}{
		"op":          op,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		rng := resp.Header.Get("Range")
		return &ChunkResult{CommittedEnd: parseCommittedEnd(rng), Range: rng}, nil
	case http.StatusOK, http.StatusCreated:
		var f gdrive.File
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return nil, errors.Upstream(http.StatusBadGateway, "Invalid drive response", err)
		}
		return &ChunkResult{Completed: true, File: toNode(&f), CommittedEnd: -1}, nil
	default:
		return nil, upstreamResponse(op, resp)
	}
}

// parseCommittedEnd reads "bytes=0-N" and returns N, or -1 when absent.
func parseCommittedEnd(rng string) int64 {
	rng = strings.TrimSpace(rng)
	if !strings.HasPrefix(rng, "bytes=") {
		return -1
	}
	parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
	if len(parts) != 2 {
		return -1
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return -1
	}
	return end
}

func toNode(f *gdrive.File) *domain.Node {
	n := &domain.Node{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		Parents:      f.Parents,
		ThumbnailURL: f.ThumbnailLink,
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		n.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		n.ModifiedAt = t
	}
	return n
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func upstream(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.Code)
		}
		return errors.Upstream(apiErr.Code, msg, fmt.Errorf("%s: %w", op, err))
	}
	return errors.Upstream(http.StatusBadGateway, "Drive request failed", fmt.Errorf("%s: %w", op, err))
}

func upstreamResponse(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return errors.Upstream(resp.StatusCode, msg, fmt.Errorf("%s: drive responded %d", op, resp.StatusCode))
}
