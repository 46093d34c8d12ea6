package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/idalloc"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

func newTestServer(t *testing.T) (*Server, workdir.Root, *status.Tracker) {
	t.Helper()
	root := workdir.New(t.TempDir())
	if err := root.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	tracker := status.NewTracker(1, time.Millisecond)
	return NewServer(root, tracker, ":0", nil), root, tracker
}

func addRun(t *testing.T, root workdir.Root, tracker *status.Tracker, id int, name string, states ...status.State) {
	t.Helper()
	dir := root.RunDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := testspec.SaveFrozen(dir, testspec.Spec{Name: name, Scheduler: "local", Run: "true"}); err != nil {
		t.Fatalf("SaveFrozen: %v", err)
	}
	for _, st := range states {
		if err := tracker.Append(dir, st, ""); err != nil {
			t.Fatalf("Append %s: %v", st, err)
		}
	}
}

func addSeries(t *testing.T, root workdir.Root, id int, members ...int) {
	t.Helper()
	if err := os.MkdirAll(root.SeriesDir(id), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	var lines []byte
	for _, m := range members {
		lines = append(lines, []byte(idalloc.FormatID(m)+"\n")...)
	}
	if err := os.WriteFile(root.SeriesMembers(id), lines, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func get(t *testing.T, server *Server, path string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return w.Code
}

func TestStatusHandler(t *testing.T) {
	server, root, tracker := newTestServer(t)
	addRun(t, root, tracker, 1, "alpha", status.StateCreated, status.StateScheduled, status.StateRunning)
	addRun(t, root, tracker, 2, "beta", status.StateCreated, status.StateComplete)
	addRun(t, root, tracker, 3, "gamma", status.StateCreated, status.StateFailed)

	var resp StatusResponse
	if code := get(t, server, "/api/status", &resp); code != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want 200", code)
	}
	if resp.Total != 3 {
		t.Errorf("Total = %d, want 3", resp.Total)
	}
	if resp.Running != 1 || resp.Complete != 1 || resp.Failed != 1 {
		t.Errorf("counts = %+v, want one each of running/complete/failed", resp)
	}
}

func TestListRunsHandler(t *testing.T) {
	server, root, tracker := newTestServer(t)
	addRun(t, root, tracker, 1, "alpha", status.StateCreated)
	addRun(t, root, tracker, 2, "beta", status.StateCreated, status.StateRunning)

	var runs []RunResponse
	if code := get(t, server, "/api/runs", &runs); code != http.StatusOK {
		t.Fatalf("GET /api/runs = %d, want 200", code)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %v, want 2", runs)
	}
	if runs[0].Name != "alpha" || runs[1].State != string(status.StateRunning) {
		t.Errorf("runs = %+v, want alpha then a RUNNING beta", runs)
	}
}

func TestGetRunHandler(t *testing.T) {
	server, root, tracker := newTestServer(t)
	addRun(t, root, tracker, 1, "alpha",
		status.StateCreated, status.StateScheduled, status.StateRunning)

	var detail RunDetailResponse
	if code := get(t, server, "/api/runs/0000001", &detail); code != http.StatusOK {
		t.Fatalf("GET /api/runs/0000001 = %d, want 200", code)
	}
	if detail.Name != "alpha" {
		t.Errorf("name = %q, want alpha", detail.Name)
	}
	if len(detail.History) != 3 {
		t.Errorf("history = %v, want 3 entries", detail.History)
	}

	if code := get(t, server, "/api/runs/0000042", nil); code != http.StatusNotFound {
		t.Errorf("GET of unknown run = %d, want 404", code)
	}
	if code := get(t, server, "/api/runs/nonsense", nil); code != http.StatusBadRequest {
		t.Errorf("GET with bad run ID = %d, want 400", code)
	}
}

func TestSeriesHandlers(t *testing.T) {
	server, root, tracker := newTestServer(t)
	addRun(t, root, tracker, 1, "alpha", status.StateCreated, status.StateComplete)
	addRun(t, root, tracker, 2, "beta", status.StateCreated, status.StateRunning)
	addSeries(t, root, 1, 1, 2)

	var all []SeriesResponse
	if code := get(t, server, "/api/series", &all); code != http.StatusOK {
		t.Fatalf("GET /api/series = %d, want 200", code)
	}
	if len(all) != 1 || len(all[0].Runs) != 2 {
		t.Fatalf("series list = %+v, want one series with two runs", all)
	}

	var one SeriesResponse
	if code := get(t, server, "/api/series/0000001", &one); code != http.StatusOK {
		t.Fatalf("GET /api/series/0000001 = %d, want 200", code)
	}
	if one.Done {
		t.Error("series reported done while a member is RUNNING")
	}

	if code := get(t, server, "/api/series/0000099", nil); code != http.StatusNotFound {
		t.Errorf("GET of unknown series = %d, want 404", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status = %d, want 405", w.Code)
	}
}
