package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portal/api/internal/auth"
	"portal/api/internal/kv"
	"portal/api/internal/store"
)

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	backend := kv.NewMemory()
	issues := store.New(backend, store.Options{Logger: zerolog.Nop()})
	return NewHTTPServer(issues, backend, zerolog.Nop(), Options{CORSOrigin: "*", JWTSecret: testSecret}).Handler()
}

func tokenFor(t *testing.T, email, firstName, role string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, email, firstName, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)
	clientToken := tokenFor(t, "client@example.com", "Cleo", "client")
	staffToken := tokenFor(t, "staff1@example.com", "Sam", "staff")
	managerToken := tokenFor(t, "boss@example.com", "Mia", "manager")

	rr := do(t, h, http.MethodPost, "/issues/", clientToken, map[string]any{"title": "Login fails", "priority": "high"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[store.Issue](t, rr)
	if created.ID != 1 || created.Status != store.StatusOpen || created.CreatedBy != "client@example.com" {
		t.Fatalf("unexpected created issue %+v", created)
	}

	rr = do(t, h, http.MethodPost, "/issues/1/assign/", managerToken, map[string]any{"assignee_email": "staff1@example.com", "assignee_name": "Sam"})
	if rr.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/issues/1/transition/", staffToken, map[string]any{"status": "in-progress"})
	if rr.Code != http.StatusOK {
		t.Fatalf("transition: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/issues/1/comments/", staffToken, map[string]any{"content": "looking into it"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("comment: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	comment := decode[store.Comment](t, rr)
	if comment.Author != "Sam" {
		t.Fatalf("expected author from token, got %q", comment.Author)
	}

	rr = do(t, h, http.MethodGet, "/issues/1/", clientToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	detail := decode[store.IssueDetail](t, rr)
	if detail.CommentsCount != 1 || len(detail.Comments) != 1 || detail.Status != store.StatusInProgress {
		t.Fatalf("unexpected detail %+v", detail)
	}

	rr = do(t, h, http.MethodGet, "/issues/?assignee=me", staffToken, nil)
	mine := decode[[]store.Issue](t, rr)
	if len(mine) != 1 || mine[0].ID != 1 {
		t.Fatalf("expected the assigned issue, got %+v", mine)
	}
	rr = do(t, h, http.MethodGet, "/issues?assignee=me", clientToken, nil)
	if mine := decode[[]store.Issue](t, rr); len(mine) != 0 {
		t.Fatalf("client has no assigned issues, got %+v", mine)
	}

	// Notifications are filtered by the caller's role.
	rr = do(t, h, http.MethodGet, "/notifications/", clientToken, nil)
	clientNotes := decode[[]store.Notification](t, rr)
	if len(clientNotes) != 2 {
		t.Fatalf("expected transition and comment notifications for client, got %+v", clientNotes)
	}
	rr = do(t, h, http.MethodGet, "/notifications/", managerToken, nil)
	managerNotes := decode[[]store.Notification](t, rr)
	if len(managerNotes) != 1 || managerNotes[0].Message != `New issue created: "Login fails"` {
		t.Fatalf("unexpected manager notifications %+v", managerNotes)
	}

	rr = do(t, h, http.MethodPost, "/notifications/1/mark-read/", managerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("mark-read: expected 200, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/notifications/", managerToken, nil)
	if notes := decode[[]store.Notification](t, rr); !notes[0].Read {
		t.Fatalf("expected notification to be read, got %+v", notes)
	}

	rr = do(t, h, http.MethodGet, "/signal/", clientToken, nil)
	sig := decode[map[string]int64](t, rr)
	if sig["signal"] == 0 {
		t.Fatalf("expected a signal timestamp, got %v", sig)
	}
}

func TestUpdateIssuePatch(t *testing.T) {
	h := newTestServer(t)
	do(t, h, http.MethodPost, "/issues/", "", map[string]any{"title": "Old"})

	rr := do(t, h, http.MethodPatch, "/issues/1/", "", map[string]any{"title": "New", "tags": []string{"ui"}, "due_date": "2024-05-01"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	issue := decode[store.Issue](t, rr)
	if issue.Title != "New" || len(issue.Tags) != 1 || issue.DueDate == nil || *issue.DueDate != "2024-05-01" {
		t.Fatalf("patch not applied: %+v", issue)
	}
}

func TestUploadAttachmentMultipartAndDataURI(t *testing.T) {
	h := newTestServer(t)
	do(t, h, http.MethodPost, "/issues/", "", map[string]any{"title": "Needs screenshot"})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "trace.txt")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("stack trace"))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/issues/1/attachments/", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("multipart: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	first := decode[store.Attachment](t, rr)
	if first.Filename != "trace.txt" || !strings.HasPrefix(first.URL, "data:") || first.Size != int64(len("stack trace")) {
		t.Fatalf("unexpected attachment %+v", first)
	}

	rr = do(t, h, http.MethodPost, "/issues/1/attachments/", "", map[string]any{"filename": "a.png", "data_uri": "data:image/png;base64,AAAA"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("data uri: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if second := decode[store.Attachment](t, rr); second.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("data uri not passed through: %+v", second)
	}

	rr = do(t, h, http.MethodPost, "/issues/1/attachments/", "", map[string]any{"filename": "empty.png"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing data_uri: expected 400, got %d", rr.Code)
	}
}

func TestErrorResponses(t *testing.T) {
	h := newTestServer(t)

	cases := []struct {
		name     string
		method   string
		path     string
		token    string
		raw      string
		wantCode int
		wantErr  string
	}{
		{name: "missing issue", method: http.MethodGet, path: "/issues/42/", wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "comment on missing issue", method: http.MethodPost, path: "/issues/42/comments/", raw: `{"content":"x"}`, wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "transition missing issue", method: http.MethodPost, path: "/issues/42/transition/", raw: `{"status":"closed"}`, wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "non numeric id", method: http.MethodGet, path: "/issues/abc/", wantCode: http.StatusBadRequest, wantErr: "INVALID_ID"},
		{name: "zero id", method: http.MethodGet, path: "/issues/0/", wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "negative id", method: http.MethodGet, path: "/issues/-3/", wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "transition negative id", method: http.MethodPost, path: "/issues/-3/transition/", raw: `{"status":"closed"}`, wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "malformed json", method: http.MethodPost, path: "/issues/", raw: `{"title":`, wantCode: http.StatusBadRequest, wantErr: "INVALID_BODY"},
		{name: "transition without status", method: http.MethodPost, path: "/issues/1/transition/", raw: `{}`, wantCode: http.StatusBadRequest, wantErr: "INVALID_BODY"},
		{name: "bad token", method: http.MethodGet, path: "/issues/", token: "not-a-jwt", wantCode: http.StatusUnauthorized, wantErr: "UNAUTHORIZED"},
		{name: "unknown role", method: http.MethodGet, path: "/issues/", token: tokenFor(t, "root@example.com", "Root", "superuser"), wantCode: http.StatusUnauthorized, wantErr: "UNAUTHORIZED"},
		{name: "unknown route", method: http.MethodGet, path: "/projects/", wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.raw))
			req.Header.Set("Content-Type", "application/json")
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rr.Code, rr.Body.String())
			}
			body := decode[map[string]any](t, rr)
			if body["code"] != tc.wantErr {
				t.Fatalf("expected code %q, got %v", tc.wantErr, body["code"])
			}
		})
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "domain", err: domainError(http.StatusConflict, "CONFLICT", "conflict", nil), wantStatus: http.StatusConflict, wantCode: "CONFLICT"},
		{name: "not found", err: &store.NotFoundError{Kind: "issue", ID: 3}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "wrapped sentinel", err: errors.Join(errors.New("ctx"), store.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "expired token", err: auth.ErrExpiredToken, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "client went away", err: fmt.Errorf("list issues: %w", context.Canceled), wantStatus: 499, wantCode: "CLIENT_CLOSED_REQUEST"},
		{name: "timeout", err: context.DeadlineExceeded, wantStatus: http.StatusGatewayTimeout, wantCode: "TIMEOUT"},
		{name: "other", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.wantStatus || code != tc.wantCode {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tc.wantStatus, tc.wantCode)
			}
		})
	}
}

func TestTokenWithoutRoleActsAsClient(t *testing.T) {
	h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/issues/", tokenFor(t, "anon@example.com", "Ann", ""), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for a token without a role, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestFailLogsOnlyServerErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantLog bool
	}{
		{name: "client closed", err: context.Canceled, wantLog: false},
		{name: "not found", err: store.ErrNotFound, wantLog: false},
		{name: "backend down", err: errors.New("connection refused"), wantLog: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := NewHTTPServer(nil, nil, zerolog.New(&buf), Options{})
			rr := httptest.NewRecorder()
			s.fail(rr, httptest.NewRequest(http.MethodGet, "/issues/", nil), tc.err)

			if logged := strings.Contains(buf.String(), `"level":"error"`); logged != tc.wantLog {
				t.Fatalf("error logged = %v, want %v: %s", logged, tc.wantLog, buf.String())
			}
		})
	}
}

func TestRecovererTurnsPanicIntoServerError(t *testing.T) {
	h := recoverer(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
