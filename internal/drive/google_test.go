package drive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"sharedrive/internal/metrics"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

func newTestGateway(t *testing.T, handler http.Handler) *GoogleGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
	gw, err := NewGoogleGateway(context.Background(), ts, GoogleConfig{
		APIEndpoint:    srv.URL + "/drive/v3/",
		UploadEndpoint: srv.URL + "/upload/drive/v3/files",
	}, logger.NewNop())
	require.NoError(t, err)
	return gw
}

func TestCreateResumableSession_ReturnsLocation(t *testing.T) {
	var got struct {
		Name    string   `json:"name"`
		Parents []string `json:"parents"`
	}
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload/drive/v3/files", r.URL.Path)
		assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "video/mp4", r.Header.Get("X-Upload-Content-Type"))
		assert.Equal(t, "400", r.Header.Get("X-Upload-Content-Length"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Location", "https://upload.example/session/1")
		w.WriteHeader(http.StatusOK)
	}))

	loc, err := gw.CreateResumableSession(context.Background(), ResumableRequest{
		Name: "clip.mp4", MimeType: "video/mp4", Size: 400, ParentID: "folder-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://upload.example/session/1", loc)
	assert.Equal(t, "clip.mp4", got.Name)
	assert.Equal(t, []string{"folder-1"}, got.Parents)
}

func TestCreateResumableSession_UpstreamError(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"The user's Drive storage quota has been exceeded."}}`))
	}))

	_, err := gw.CreateResumableSession(context.Background(), ResumableRequest{Name: "a", Size: 1})
	require.Error(t, err)
	status, msg := errors.StatusOf(err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, msg, "quota has been exceeded")
	assert.True(t, errors.IsKind(err, errors.KindUpstream))
}

func TestUploadChunk_Continuation(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "bytes 0-99/400", r.Header.Get("Content-Range"))
		body, _ := io.ReadAll(r.Body)
		assert.Len(t, body, 100)
		w.Header().Set("Range", "bytes=0-99")
		w.WriteHeader(http.StatusPermanentRedirect)
	}))

	res, err := gw.UploadChunk(context.Background(), gwURL(gw, "/session/1"), Chunk{
		Start: 0, End: 99, Total: 400, Body: strings.NewReader(strings.Repeat("x", 100)),
	})
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, int64(99), res.CommittedEnd)
	assert.Equal(t, "bytes=0-99", res.Range)
}

func TestUploadChunk_Completed(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes 300-399/400", r.Header.Get("Content-Range"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"file-9","name":"clip.mp4","mimeType":"video/mp4","size":"400","parents":["folder-1"]}`))
	}))

	res, err := gw.UploadChunk(context.Background(), gwURL(gw, "/session/1"), Chunk{
		Start: 300, End: 399, Total: 400, Body: strings.NewReader(strings.Repeat("x", 100)),
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	require.NotNil(t, res.File)
	assert.Equal(t, "file-9", res.File.ID)
	assert.Equal(t, int64(400), res.File.Size)
	assert.Equal(t, "folder-1", res.File.Parent())
}

func TestQueryResumable_NothingCommitted(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes */400", r.Header.Get("Content-Range"))
		w.WriteHeader(http.StatusPermanentRedirect)
	}))

	res, err := gw.QueryResumable(context.Background(), gwURL(gw, "/session/1"), 400)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, int64(-1), res.CommittedEnd)
}

func TestGetFile_UsesDriveAPI(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files/abc", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc","name":"docs","mimeType":"application/vnd.google-apps.folder","parents":["root-1"]}`))
	}))

	node, err := gw.GetFile(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, node.IsFolder())
	assert.Equal(t, "root-1", node.Parent())
}

func TestGetFile_NotFoundIsUpstream(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found: abc."}}`))
	}))

	_, err := gw.GetFile(context.Background(), "abc")
	require.Error(t, err)
	status, _ := errors.StatusOf(err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.True(t, errors.IsKind(err, errors.KindUpstream))
}

func TestParseCommittedEnd(t *testing.T) {
	assert.Equal(t, int64(524287), parseCommittedEnd("bytes=0-524287"))
	assert.Equal(t, int64(-1), parseCommittedEnd(""))
	assert.Equal(t, int64(-1), parseCommittedEnd("bytes=0-"))
	assert.Equal(t, int64(-1), parseCommittedEnd("items=0-5"))
}

func TestChunkContentRange(t *testing.T) {
	c := Chunk{Start: 10, End: 19, Total: 100}
	assert.Equal(t, "bytes 10-19/100", c.ContentRange())
	assert.Equal(t, int64(10), c.Length())
}

// gwURL builds a URL on the test server that backs the gateway.
func gwURL(gw *GoogleGateway, path string) string {
	base := strings.TrimSuffix(gw.uploadEndpoint, "/upload/drive/v3/files")
	return base + path
}

func TestInstrumented_RecordsOutcome(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			http.Error(w, `{"error":{"code":404,"message":"File not found"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "f1", "name": "a.txt"})
	}))
	m := metrics.New("test")
	inst := NewInstrumented(gw, m)

	_, err := inst.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	_, err = inst.GetFile(context.Background(), "missing")
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.Registry(), "test_drive_call_duration_seconds"))
}
