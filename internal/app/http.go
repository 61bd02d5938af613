package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"portal/api/internal/rbac"
	"portal/api/internal/store"
)

const maxUploadBytes = 32 << 20

// IssueStore is the set of store operations served over HTTP.
type IssueStore interface {
	ListIssues(ctx context.Context, actor store.Actor, filter store.IssueFilter) ([]store.Issue, error)
	CreateIssue(ctx context.Context, actor store.Actor, in store.CreateIssueInput) (store.Issue, error)
	GetIssue(ctx context.Context, id int) (store.IssueDetail, error)
	UpdateIssue(ctx context.Context, id int, patch store.IssuePatch) (store.Issue, error)
	AssignIssue(ctx context.Context, id int, a store.Assignment) (store.Issue, error)
	TransitionIssue(ctx context.Context, id int, status string) (store.Issue, error)
	UploadAttachment(ctx context.Context, issueID int, up store.AttachmentUpload) (store.Attachment, error)
	ListComments(ctx context.Context, issueID int) ([]store.Comment, error)
	CreateComment(ctx context.Context, actor store.Actor, issueID int, in store.CommentInput) (store.Comment, error)
	ListNotifications(ctx context.Context) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id int) error
	LastSignal(ctx context.Context) (int64, error)
}

// Pinger reports whether the persistence backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	CORSOrigin string
	// Requests per minute per client IP. Zero disables the limit.
	RateLimit int
	JWTSecret []byte
}

type HTTPServer struct {
	store   IssueStore
	backend Pinger
	log     zerolog.Logger
	opts    Options
}

func NewHTTPServer(issues IssueStore, backend Pinger, log zerolog.Logger, opts Options) *HTTPServer {
	return &HTTPServer{store: issues, backend: backend, log: log, opts: opts}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(accessLog(s.log))
	r.Use(recoverer(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.opts.CORSOrigin},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))
	if s.opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
	}
	r.Use(middleware.StripSlashes)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.identity)

		r.Route("/issues", func(r chi.Router) {
			r.Get("/", s.handleListIssues)
			r.Post("/", s.handleCreateIssue)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetIssue)
				r.Patch("/", s.handleUpdateIssue)
				r.Post("/assign", s.handleAssignIssue)
				r.Post("/transition", s.handleTransitionIssue)
				r.Post("/attachments", s.handleUploadAttachment)
				r.Get("/comments", s.handleListComments)
				r.Post("/comments", s.handleCreateComment)
			})
		})
		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/mark-read", s.handleMarkNotificationRead)
		r.Get("/signal", s.handleSignal)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"backend": map[string]any{"status": "ok"},
	}
	if err := s.backend.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["backend"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IssueFilter{
		Assignee: strings.TrimSpace(q.Get("assignee")),
		Status:   strings.TrimSpace(q.Get("status")),
		Priority: strings.TrimSpace(q.Get("priority")),
		Query:    strings.TrimSpace(q.Get("q")),
	}
	issues, err := s.store.ListIssues(r.Context(), actorFrom(r.Context()), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *HTTPServer) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var body store.CreateIssueInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.store.CreateIssue(r.Context(), actorFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

func (s *HTTPServer) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	issue, err := s.store.GetIssue(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *HTTPServer) handleUpdateIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var patch store.IssuePatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.store.UpdateIssue(r.Context(), id, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *HTTPServer) handleAssignIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body store.Assignment
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.store.AssignIssue(r.Context(), id, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *HTTPServer) handleTransitionIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Status) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "status is required", nil)
		return
	}
	issue, err := s.store.TransitionIssue(r.Context(), id, body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	upload, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	attachment, err := s.store.UploadAttachment(r.Context(), id, upload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

// readUpload accepts a multipart form with a "file" part, or JSON {filename, data_uri}.
func readUpload(w http.ResponseWriter, r *http.Request) (store.AttachmentUpload, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return store.AttachmentUpload{}, fmt.Errorf("invalid multipart body")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return store.AttachmentUpload{}, fmt.Errorf("file is required")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return store.AttachmentUpload{}, fmt.Errorf("read file: %w", err)
		}
		return store.AttachmentUpload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		}, nil
	}

	var body struct {
		Filename string `json:"filename"`
		DataURI  string `json:"data_uri"`
	}
	if err := decodeBody(r, &body); err != nil {
		return store.AttachmentUpload{}, err
	}
	if strings.TrimSpace(body.DataURI) == "" {
		return store.AttachmentUpload{}, fmt.Errorf("data_uri is required")
	}
	return store.AttachmentUpload{Filename: body.Filename, DataURI: body.DataURI}, nil
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	comments, err := s.store.ListComments(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body store.CommentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.store.CreateComment(r.Context(), actorFrom(r.Context()), id, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.store.ListNotifications(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	role := rbac.Normalize(string(actorFrom(r.Context()).Role))
	visible := make([]store.Notification, 0, len(notifications))
	for _, n := range notifications {
		if rbac.CanSee(role, n.Role) {
			visible = append(visible, n)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.MarkNotificationRead(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	ms, err := s.store.LastSignal(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal": ms})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func pathID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	// Zero and negative ids parse fine and fall through to the store as unknown issues.
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domainError(http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("invalid id %q", raw), nil)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
