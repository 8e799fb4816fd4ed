// Package handler provides the HTTP handlers of the drive API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"sharedrive/internal/account"
	"sharedrive/internal/events"
	"sharedrive/internal/middleware"
	"sharedrive/internal/upload"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
	"sharedrive/pkg/validator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware governs origins
	},
}

const multipartOverhead = 1 << 20

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

type FileService interface {
	List(ctx context.Context, folderID string, principal domain.Principal, clear bool) ([]*domain.Node, error)
	Parents(ctx context.Context, id string, principal domain.Principal) ([]*domain.Node, error)
	CreateFolder(ctx context.Context, parentID, name string, principal domain.Principal) (*domain.Node, error)
	Rename(ctx context.Context, id, newName string, principal domain.Principal) (*domain.Node, error)
	Delete(ctx context.Context, id string, principal domain.Principal) error
}

type UploadService interface {
	UploadFiles(ctx context.Context, folderID string, files []upload.File, principal domain.Principal) ([]*domain.Node, error)
	UploadFromURL(ctx context.Context, folderID string, req upload.URLRequest, principal domain.Principal) (*domain.Node, error)
	Start(ctx context.Context, folderID string, req upload.StartRequest, principal domain.Principal) (string, error)
	Chunk(ctx context.Context, req upload.ChunkRequest, principal domain.Principal) (*upload.ChunkOutcome, error)
}

type AccountService interface {
	EnsureProfile(ctx context.Context, principal domain.Principal) (*domain.Account, error)
	Usage(ctx context.Context, username string) (*account.Usage, error)
	ShareRoot(ctx context.Context, owner, grantee string) error
	UnshareRoot(ctx context.Context, owner, grantee string) error
}

// EventSource hands out per-user event subscriptions.
type EventSource interface {
	Subscribe(username string) *events.Subscription
}

// DriveHandler serves the /drive API.
type DriveHandler struct {
	files        FileService
	uploads      UploadService
	accounts     AccountService
	events       EventSource
	validator    *validator.Validator
	logger       logger.Logger
	maxMultipart int64
}

func NewDriveHandler(
	files FileService,
	uploads UploadService,
	accounts AccountService,
	source EventSource,
	val *validator.Validator,
	maxMultipart int64,
	log logger.Logger,
) *DriveHandler {
	if maxMultipart <= 0 {
		maxMultipart = 32 << 20
	}
	return &DriveHandler{
		files:        files,
		uploads:      uploads,
		accounts:     accounts,
		events:       source,
		validator:    val,
		logger:       log,
		maxMultipart: maxMultipart,
	}
}

// Register mounts the drive routes. Fixed paths are registered before the
// {folderId} catch-alls.
func (h *DriveHandler) Register(api *mux.Router) {
	d := api.PathPrefix("/drive").Subrouter()
	d.HandleFunc("/usage", h.Usage).Methods(http.MethodGet)
	d.HandleFunc("/events", h.Events).Methods(http.MethodGet)
	d.HandleFunc("/share", h.Share).Methods(http.MethodPost)
	d.HandleFunc("/share/{username}", h.Unshare).Methods(http.MethodDelete)

	d.HandleFunc("/folder", h.CreateFolder).Methods(http.MethodPost)
	d.HandleFunc("/folder/{folderId}", h.CreateFolder).Methods(http.MethodPost)
	d.HandleFunc("/file", h.UploadFiles).Methods(http.MethodPost)
	d.HandleFunc("/file/{folderId}", h.UploadFiles).Methods(http.MethodPost)
	d.HandleFunc("/url", h.UploadFromURL).Methods(http.MethodPost)
	d.HandleFunc("/url/{folderId}", h.UploadFromURL).Methods(http.MethodPost)
	d.HandleFunc("/resumable", h.StartResumable).Methods(http.MethodPost)
	d.HandleFunc("/resumable/{folderId}", h.StartResumable).Methods(http.MethodPost)
	d.HandleFunc("/chunk/{uploadId}", h.Chunk).Methods(http.MethodPost)

	d.HandleFunc("", h.List).Methods(http.MethodGet)
	d.HandleFunc("/{folderId}", h.List).Methods(http.MethodGet)
	d.HandleFunc("/{id}", h.Rename).Methods(http.MethodPut)
	d.HandleFunc("/{id}", h.Delete).Methods(http.MethodDelete)
}

// principal returns the authenticated caller, creating their account on
// first sight. It writes the error response itself when it fails.
func (h *DriveHandler) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return domain.Principal{}, false
	}
	if _, err := h.accounts.EnsureProfile(r.Context(), p); err != nil {
		h.respondErr(w, r, err)
		return domain.Principal{}, false
	}
	return p, true
}

func (h *DriveHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	folderID := mux.Vars(r)["folderId"]
	q := r.URL.Query()

	if flag(q.Get("parents")) {
		chain, err := h.files.Parents(r.Context(), folderID, p)
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"parents": chain})
		return
	}

	nodes, err := h.files.List(r.Context(), folderID, p, flag(q.Get("clear")))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"files": nodes})
}

type createFolderRequest struct {
	FolderName string `json:"folderName" validate:"required,drivename"`
}

func (h *DriveHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createFolderRequest
	if !h.decode(w, r, &req) {
		return
	}
	folder, err := h.files.CreateFolder(r.Context(), mux.Vars(r)["folderId"], req.FolderName, p)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": folder.ID})
}

func (h *DriveHandler) UploadFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	// File bytes plus 1MB for the other form fields.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxMultipart+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxMultipart); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds the maximum of %d bytes; use a resumable upload", h.maxMultipart))
			return
		}
		h.logger.Warn("Failed to parse multipart form", map[string]interface{}{
			"error":          err.Error(),
			"content_type":   r.Header.Get("Content-Type"),
			"content_length": r.ContentLength,
		})
		respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondError(w, http.StatusBadRequest, "No files provided")
		return
	}

	files := make([]upload.File, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "Could not read uploaded file")
			return
		}
		opened = append(opened, f)
		files = append(files, upload.File{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Body:     f,
		})
	}

	if _, err := h.uploads.UploadFiles(r.Context(), mux.Vars(r)["folderId"], files, p); err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (h *DriveHandler) UploadFromURL(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req upload.URLRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.uploads.UploadFromURL(r.Context(), mux.Vars(r)["folderId"], req, p); err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (h *DriveHandler) StartResumable(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req upload.StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.uploads.Start(r.Context(), mux.Vars(r)["folderId"], req, p)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"uploadId": id})
}

// Chunk forwards one byte range. 308 carries the committed range for the
// client to continue from; 200 means the file is complete.
func (h *DriveHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	req := upload.ChunkRequest{UploadID: mux.Vars(r)["uploadId"], DeclaredSize: -1, Body: r.Body}
	req.Start, req.HeaderErr = headerInt(r, "x-upload-start", req.HeaderErr)
	req.End, req.HeaderErr = headerInt(r, "x-upload-end", req.HeaderErr)
	req.Total, req.HeaderErr = headerInt(r, "x-upload-total", req.HeaderErr)
	if r.Header.Get("x-upload-size") != "" {
		req.DeclaredSize, req.HeaderErr = headerInt(r, "x-upload-size", req.HeaderErr)
	}

	out, err := h.uploads.Chunk(r.Context(), req, p)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if !out.Completed {
		w.Header().Set("Range", out.Range)
		respondJSON(w, http.StatusPermanentRedirect, map[string]string{"range": out.Range})
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

type renameRequest struct {
	NewName string `json:"newName" validate:"required,drivename"`
}

func (h *DriveHandler) Rename(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !h.decode(w, r, &req) {
		return
	}
	node, err := h.files.Rename(r.Context(), mux.Vars(r)["id"], req.NewName, p)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": node.ID})
}

func (h *DriveHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.files.Delete(r.Context(), mux.Vars(r)["id"], p); err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (h *DriveHandler) Usage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	usage, err := h.accounts.Usage(r.Context(), p.Username)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

type shareRequest struct {
	Username string `json:"username" validate:"required,username"`
}

func (h *DriveHandler) Share(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.accounts.ShareRoot(r.Context(), p.Username, req.Username); err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (h *DriveHandler) Unshare(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.accounts.UnshareRoot(r.Context(), p.Username, mux.Vars(r)["username"]); err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// Events streams the caller's upload and quota events over a websocket.
func (h *DriveHandler) Events(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	sub := h.events.Subscribe(p.Username)
	defer sub.Close()
	h.logger.Info("WebSocket client connected", map[string]interface{}{"username": p.Username})

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("Failed to send event", map[string]interface{}{"username": p.Username, "error": err.Error()})
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			h.logger.Info("WebSocket client disconnected", map[string]interface{}{"username": p.Username})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// decode reads a JSON body into dst and validates it.
func (h *DriveHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			respondError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if valErrs := h.validator.ValidateStructured(dst); valErrs != nil {
		respondValidationErrors(w, valErrs)
		return false
	}
	return true
}

func (h *DriveHandler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		fields := map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"error":  err.Error(),
		}
		if id, ok := middleware.RequestIDFromContext(r.Context()); ok {
			fields["request_id"] = id
		}
		h.logger.Error("Request failed", fields)
	}
	respondError(w, status, message)
}

// headerInt parses an integer header. An earlier failure in prev is kept
// and the header is left unread.
func headerInt(r *http.Request, name string, prev error) (int64, error) {
	if prev != nil {
		return 0, prev
	}
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return 0, errors.Validation("Missing " + name + " header")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Validation("Header " + name + " must be an integer")
	}
	return n, nil
}

func flag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"status": status, "message": message})
}

func respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"status":            http.StatusBadRequest,
		"message":           "Validation failed",
		"validation_errors": errs,
	})
}
