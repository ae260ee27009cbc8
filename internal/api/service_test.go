package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/ctu"
	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/middleware"
	"github.com/checkrelay/checkrelay/internal/scheduler"
	"github.com/checkrelay/checkrelay/internal/session"
)

// memRepo is a minimal in-memory Repository for HTTP round-trip tests.
type memRepo struct {
	mu    sync.Mutex
	blobs map[string][]byte
	runs  map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{blobs: make(map[string][]byte), runs: make(map[string]bool)}
}

func (r *memRepo) HasBlob(_ context.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[hash]
	return ok, nil
}

func (r *memRepo) PutBlob(_ context.Context, hash string, content []byte) error {
	if domain.HashBytes(content) != hash {
		return fmt.Errorf("hash mismatch: %w", domain.ErrIntegrity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[hash] = content
	return nil
}

func (r *memRepo) GetBlob(_ context.Context, hash string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, domain.ErrNotFound)
	}
	return content, nil
}

func (r *memRepo) RunExists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name], nil
}

func (r *memRepo) RecordRun(_ context.Context, name string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[name] = true
	return nil
}

func (r *memRepo) FinishRun(context.Context, string, string, time.Time) error { return nil }
func (r *memRepo) Ping(context.Context) error                                { return nil }
func (r *memRepo) Close() error                                              { return nil }

// listRunner reports a fixed checker list and writes a report for every job.
type listRunner struct{}

func (listRunner) Run(_ context.Context, job analyze.Job) error {
	return os.WriteFile(job.OutputPath, []byte("<plist/>\n"), 0644)
}

func (listRunner) Checkers(_ context.Context, analyzers []string) ([]domain.Checker, error) {
	all := []domain.Checker{
		{Analyzer: "sa", Name: "core.DivideZero", Enabled: true},
		{Analyzer: "tidy", Name: "bugprone-assert-side-effect", Enabled: true},
	}
	if len(analyzers) == 0 {
		return all, nil
	}
	var out []domain.Checker
	for _, c := range all {
		for _, a := range analyzers {
			if c.Analyzer == a {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	runner := listRunner{}
	mgr := session.NewManager(session.Deps{
		Scheduler:   scheduler.New(2, 4),
		Repo:        newMemRepo(),
		Runner:      runner,
		Coordinator: ctu.NewCoordinator(runner),
		Workspace:   t.TempDir(),
		IdleTimeout: time.Minute,
	})

	r := chi.NewRouter()
	NewHandler(mgr, runner, nil).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, versioned bool) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if versioned {
		req.Header.Set(middleware.VersionHeader, strconv.Itoa(ProtocolVersion))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	fields := make(map[string]json.RawMessage)
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
			t.Fatalf("Non-JSON response (status %d): %v", resp.StatusCode, err)
		}
	}
	return resp, fields
}

func field[T any](t *testing.T, fields map[string]json.RawMessage, name string) T {
	t.Helper()
	var v T
	raw, ok := fields[name]
	if !ok {
		t.Fatalf("Response missing field %q: %v", name, fields)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("Field %q: %v", name, err)
	}
	return v
}

func TestVersionGate(t *testing.T) {
	srv := newTestServer(t)

	// No version header.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/connections",
		bytes.NewBufferString(`{"run_name":"demo"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 without version header, got %d", resp.StatusCode)
	}
	var body struct {
		Code domain.ErrorCode `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != domain.CodeAPIMismatch {
		t.Errorf("Expected API_MISMATCH, got %s", body.Code)
	}

	// Wrong version.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/v1/connections",
		bytes.NewBufferString(`{"run_name":"demo"}`))
	req.Header.Set(middleware.VersionHeader, "99")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for wrong version, got %d", resp2.StatusCode)
	}
}

func TestAvailabilityIsUnversioned(t *testing.T) {
	srv := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/availability",
		map[string]string{"run_name": "demo"}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !field[bool](t, fields, "available") {
		t.Error("Empty server reported unavailable")
	}
	if field[int](t, fields, "version") != ProtocolVersion {
		t.Error("Availability response carries the wrong protocol version")
	}
}

func TestConnectionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections", map[string]any{
		"run_name":   "lifecycle",
		"check_args": map[string]any{"jobs": 2},
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 for init, got %d", resp.StatusCode)
	}
	token := field[string](t, fields, "token")
	if token == "" {
		t.Fatal("Init returned an empty token")
	}
	if !field[bool](t, fields, "is_initial") {
		t.Error("First check of a run must be initial")
	}

	// A second session for the same run name is refused.
	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections",
		map[string]string{"run_name": "lifecycle"}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 for a locked run, got %d", resp.StatusCode)
	}
	if field[domain.ErrorCode](t, fields, "code") != domain.CodeGeneral {
		t.Errorf("Unexpected error code for a locked run: %s", fields["code"])
	}

	content := []byte("int main() { return 0; }\n")
	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections/"+token+"/files",
		map[string]any{"files": []domain.FileRecord{{
			Path:        "/src/main.c",
			ContentHash: domain.HashBytes(content),
			Content:     content,
		}}}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for file sync, got %d", resp.StatusCode)
	}
	if needed := field[[]string](t, fields, "needed"); len(needed) != 0 {
		t.Fatalf("Inline content still needed: %v", needed)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections/"+token+"/check", nil, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202 for beginChecking, got %d", resp.StatusCode)
	}

	// Results become fetchable once the background check finishes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, fields = doJSON(t, http.MethodGet, srv.URL+"/api/v1/connections/"+token+"/results", nil, true)
		if resp.StatusCode == http.StatusOK {
			break
		}
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("Unexpected status %d while polling results", resp.StatusCode)
		}
		if time.Now().After(deadline) {
			t.Fatal("Check never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	files := field[[]domain.FileRecord](t, fields, "files")
	if len(files) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(files))
	}
	if len(files[0].Content) == 0 {
		t.Error("Report delivered without content")
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/connections/"+token, nil, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204 for expire, got %d", resp.StatusCode)
	}
	// Idempotent: repeating the delete still succeeds.
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/connections/"+token, nil, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 for repeated expire, got %d", resp.StatusCode)
	}
}

func TestSendFileDataUnknownToken(t *testing.T) {
	srv := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections/ghost/files",
		map[string]any{"files": []domain.FileRecord{}}, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", resp.StatusCode)
	}
	if field[domain.ErrorCode](t, fields, "code") != domain.CodeGeneral {
		t.Errorf("Unexpected error code: %s", fields["code"])
	}
}

// An integrity failure during file sync must still tell the client which
// paths remain outstanding, via the error body's extra list.
func TestSendFileDataIntegrityReportsOutstanding(t *testing.T) {
	srv := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections",
		map[string]string{"run_name": "collide"}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Init failed with status %d", resp.StatusCode)
	}
	token := field[string](t, fields, "token")

	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections/"+token+"/files",
		map[string]any{"files": []domain.FileRecord{
			{
				Path:        "/src/bad.c",
				ContentHash: domain.HashBytes([]byte("expected")),
				Content:     []byte("different"),
			},
			{
				Path:        "/src/missing.c",
				ContentHash: domain.HashBytes([]byte("nowhere")),
			},
		}}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for an integrity failure, got %d", resp.StatusCode)
	}
	if field[domain.ErrorCode](t, fields, "code") != domain.CodeIOError {
		t.Errorf("Unexpected error code: %s", fields["code"])
	}

	extra := field[[]string](t, fields, "extra")
	outstanding := make(map[string]bool, len(extra))
	for _, p := range extra {
		outstanding[p] = true
	}
	for _, want := range []string{"/src/bad.c", "/src/missing.c"} {
		if !outstanding[want] {
			t.Errorf("Outstanding path %s missing from error extra %v", want, extra)
		}
	}
}

func TestGetCheckerList(t *testing.T) {
	srv := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/checkers", map[string]any{
		"analyzers":        []string{"sa"},
		"ordered_checkers": []string{"-core.DivideZero"},
	}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	checkers := field[[]domain.Checker](t, fields, "checkers")
	if len(checkers) != 1 {
		t.Fatalf("Expected 1 checker for analyzer sa, got %d", len(checkers))
	}
	if checkers[0].Enabled {
		t.Error("Explicitly disabled checker still enabled")
	}
}

func TestCapacityExceededOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections",
			map[string]string{"run_name": fmt.Sprintf("run-%d", i)}, true)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Init %d failed with status %d", i, resp.StatusCode)
		}
	}

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connections",
		map[string]string{"run_name": "run-overflow"}, true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 at capacity, got %d", resp.StatusCode)
	}
	if field[domain.ErrorCode](t, fields, "code") != domain.CodeGeneral {
		t.Errorf("Unexpected error code at capacity: %s", fields["code"])
	}
}
