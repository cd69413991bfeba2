package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xhs-toolkit/internal/cookiestore"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/internal/storage"
	"xhs-toolkit/internal/task"
	"xhs-toolkit/pkg/types"
)

type stubLoginBackend struct {
	loginErr error
}

func (b *stubLoginBackend) Login(ctx context.Context) (cookiestore.Jar, error) {
	if b.loginErr != nil {
		return cookiestore.Jar{}, b.loginErr
	}
	return cookiestore.Jar{
		Cookies: []cookiestore.Cookie{{Name: "web_session", Value: "abc"}},
		SavedAt: time.Now(),
	}, nil
}

func (b *stubLoginBackend) CheckSession(ctx context.Context, jar cookiestore.Jar) (bool, error) {
	return len(jar.Cookies) > 0, nil
}

type stubParser struct {
	lastURL string
	page    types.ParsedPage
}

func (p *stubParser) Extract(ctx context.Context, rawURL string, includeRawHTML bool) types.ParsedPage {
	p.lastURL = rawURL
	page := p.page
	page.URL = rawURL
	return page
}

type stubArchive struct {
	tasks map[string]types.TaskSnapshot
}

func (a *stubArchive) Get(ctx context.Context, taskID string) (types.TaskSnapshot, error) {
	snap, ok := a.tasks[taskID]
	if !ok {
		return types.TaskSnapshot{}, storage.ErrNotArchived
	}
	return snap, nil
}

func (a *stubArchive) Recent(ctx context.Context, limit int) ([]types.TaskSnapshot, error) {
	out := make([]types.TaskSnapshot, 0, len(a.tasks))
	for _, snap := range a.tasks {
		out = append(out, snap)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type serverFixture struct {
	server   *Server
	registry *task.Registry
	parser   *stubParser
	archive  *stubArchive
	backend  *stubLoginBackend
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	store, err := cookiestore.NewFileStore(filepath.Join(t.TempDir(), "cookies.json"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &stubLoginBackend{}
	sessions := session.NewManager(session.Options{
		Backend:      backend,
		Store:        store,
		SessionTTL:   time.Hour,
		LoginTimeout: 5 * time.Second,
		Logger:       logger,
	})
	registry := task.NewRegistry(task.Options{QueueSize: 4})
	parser := &stubParser{page: types.ParsedPage{Success: true, PageType: types.PageNote, Title: "美食分享"}}
	archive := &stubArchive{tasks: map[string]types.TaskSnapshot{}}
	server := NewServer(ServerOptions{
		Registry: registry,
		Sessions: sessions,
		Parser:   parser,
		Archive:  archive,
		Logger:   logger,
	})
	return &serverFixture{server: server, registry: registry, parser: parser, archive: archive, backend: backend}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestPublishNoteQueuesTask(t *testing.T) {
	fx := newTestServer(t)

	rr := doJSON(t, fx.server, http.MethodPost, "/api/notes", map[string]any{
		"title":   "周末去处",
		"content": "适合遛娃的公园",
		"images":  []string{"https://img.example.com/a.jpg"},
		"topics":  "周末,亲子",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[PublishNoteResponse](t, rr)
	if resp.TaskID == "" {
		t.Fatal("expected a task id")
	}
	if resp.State != string(types.TaskQueued) {
		t.Fatalf("expected queued state, got %q", resp.State)
	}
	if resp.ParsingResult.ContentType != "image" {
		t.Fatalf("expected image content type, got %q", resp.ParsingResult.ContentType)
	}
	if resp.ParsingResult.ImageCount != 1 || resp.ParsingResult.TopicCount != 2 {
		t.Fatalf("unexpected parsing result: %+v", resp.ParsingResult)
	}

	status := doJSON(t, fx.server, http.MethodGet, "/api/notes/tasks/"+resp.TaskID, nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", status.Code)
	}
	statusResp := decodeBody[TaskStatusResponse](t, status)
	if statusResp.State != string(types.TaskQueued) || statusResp.Archived {
		t.Fatalf("unexpected status payload: %+v", statusResp)
	}
}

func TestPublishNoteRejectsInvalidPayload(t *testing.T) {
	fx := newTestServer(t)

	longTitle := strings.Repeat("长", 60)
	rr := doJSON(t, fx.server, http.MethodPost, "/api/notes", map[string]any{
		"title":   longTitle,
		"content": "正文",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	body := decodeBody[map[string]string](t, rr)
	if body["kind"] == "" {
		t.Fatalf("expected a validation kind, got %v", body)
	}
	if fx.registry.Len() != 0 {
		t.Fatal("rejected note must not create a task")
	}
}

func TestPublishNoteQueueFull(t *testing.T) {
	fx := newTestServer(t)

	note := map[string]any{"title": "测试", "content": "正文"}
	for i := 0; i < 4; i++ {
		rr := doJSON(t, fx.server, http.MethodPost, "/api/notes", note)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("enqueue %d: expected 202, got %d", i, rr.Code)
		}
	}
	rr := doJSON(t, fx.server, http.MethodPost, "/api/notes", note)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when queue is full, got %d", rr.Code)
	}
}

func TestTaskResultNotReady(t *testing.T) {
	fx := newTestServer(t)

	id, err := fx.registry.Create(types.NoteContent{Title: "测试", Content: "正文"}, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	rr := doJSON(t, fx.server, http.MethodGet, "/api/notes/tasks/"+id+"/result", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unfinished task, got %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["not_ready"] != true || body["success"] != false {
		t.Fatalf("expected in-band not-ready payload, got %v", body)
	}
	if body["current_status"] != string(types.TaskQueued) {
		t.Fatalf("current_status = %v", body["current_status"])
	}
}

func TestTaskResultCompleted(t *testing.T) {
	fx := newTestServer(t)

	id, err := fx.registry.Create(types.NoteContent{Title: "测试", Content: "正文"}, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	mustTransition(t, fx.registry, id, types.TaskQueued, types.TaskDownloading)
	mustTransition(t, fx.registry, id, types.TaskDownloading, types.TaskUploading)
	mustTransition(t, fx.registry, id, types.TaskUploading, types.TaskPublishing)
	if err := fx.registry.Complete(id, types.PublishResult{NoteTitle: "测试", FinalURL: "https://www.xiaohongshu.com/explore/1"}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	rr := doJSON(t, fx.server, http.MethodGet, "/api/notes/tasks/"+id+"/result", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[TaskResultResponse](t, rr)
	if resp.Result == nil || resp.Result.FinalURL != "https://www.xiaohongshu.com/explore/1" {
		t.Fatalf("unexpected result payload: %+v", resp)
	}
	if resp.State != string(types.TaskCompleted) {
		t.Fatalf("expected completed state, got %q", resp.State)
	}
}

func TestTaskStatusFallsBackToArchive(t *testing.T) {
	fx := newTestServer(t)

	completed := time.Now().Add(-2 * time.Hour)
	fx.archive.tasks["evicted"] = types.TaskSnapshot{
		TaskID:      "evicted",
		State:       types.TaskCompleted,
		Progress:    100,
		CreatedAt:   completed.Add(-time.Minute),
		UpdatedAt:   completed,
		CompletedAt: &completed,
		Result:      &types.PublishResult{NoteTitle: "旧笔记"},
	}

	rr := doJSON(t, fx.server, http.MethodGet, "/api/notes/tasks/evicted", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from archive fallback, got %d", rr.Code)
	}
	statusResp := decodeBody[TaskStatusResponse](t, rr)
	if !statusResp.Archived {
		t.Fatal("expected archived flag on fallback lookup")
	}

	result := doJSON(t, fx.server, http.MethodGet, "/api/notes/tasks/evicted/result", nil)
	if result.Code != http.StatusOK {
		t.Fatalf("expected 200 from archive fallback, got %d", result.Code)
	}
	resultResp := decodeBody[TaskResultResponse](t, result)
	if resultResp.Result == nil || resultResp.Result.NoteTitle != "旧笔记" {
		t.Fatalf("unexpected archived result: %+v", resultResp)
	}

	missing := doJSON(t, fx.server, http.MethodGet, "/api/notes/tasks/nonexistent", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", missing.Code)
	}
}

func TestLoginEndpoint(t *testing.T) {
	fx := newTestServer(t)

	rr := doJSON(t, fx.server, http.MethodPost, "/api/auth/login", LoginRequest{})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[LoginResponse](t, rr)
	if !resp.Success || resp.Status != session.StatusValid {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	if resp.Action != session.ActionAutoLogin {
		t.Fatalf("expected auto login action, got %q", resp.Action)
	}

	again := doJSON(t, fx.server, http.MethodPost, "/api/auth/login", nil)
	if again.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", again.Code)
	}
	skipped := decodeBody[LoginResponse](t, again)
	if skipped.Action != session.ActionSkipped {
		t.Fatalf("expected skipped action on second login, got %q", skipped.Action)
	}

	state := doJSON(t, fx.server, http.MethodGet, "/api/auth/session", nil)
	if state.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", state.Code)
	}
	snap := decodeBody[session.State](t, state)
	if !snap.LoggedIn {
		t.Fatal("expected logged-in session state")
	}
}

func TestLoginFailureReturnsUnauthorized(t *testing.T) {
	fx := newTestServer(t)
	fx.backend.loginErr = errors.New("qr code expired")

	rr := doJSON(t, fx.server, http.MethodPost, "/api/auth/login", LoginRequest{})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	resp := decodeBody[LoginResponse](t, rr)
	if resp.Success || resp.Status != session.StatusInvalid {
		t.Fatalf("unexpected failure payload: %+v", resp)
	}
}

func TestParseEndpoint(t *testing.T) {
	fx := newTestServer(t)

	rr := doJSON(t, fx.server, http.MethodPost, "/api/parse", ParseURLRequest{URL: "https://www.xiaohongshu.com/explore/123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	page := decodeBody[types.ParsedPage](t, rr)
	if !page.Success || page.Title != "美食分享" {
		t.Fatalf("unexpected parse payload: %+v", page)
	}
	if fx.parser.lastURL != "https://www.xiaohongshu.com/explore/123" {
		t.Fatalf("parser received %q", fx.parser.lastURL)
	}

	missing := doJSON(t, fx.server, http.MethodPost, "/api/parse", ParseURLRequest{})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing url, got %d", missing.Code)
	}
}

func TestStaticRoutes(t *testing.T) {
	fx := newTestServer(t)

	assertRoute(t, fx.server, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, fx.server, http.MethodGet, "/openapi.yaml", http.StatusOK, "application/yaml")
	assertRoute(t, fx.server, http.MethodGet, "/docs", http.StatusOK, "text/html; charset=utf-8")
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}

func mustTransition(t *testing.T, registry *task.Registry, id string, from, to types.TaskState) {
	t.Helper()
	if err := registry.Transition(id, from, to, ""); err != nil {
		t.Fatalf("transition %s -> %s: %v", from, to, err)
	}
}
