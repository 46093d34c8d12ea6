package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/idalloc"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/resultlog"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/series"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID      int    `json:"id"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state"`
	Note    string `json:"note,omitempty"`
	Updated string `json:"updated,omitempty"`
}

// RunDetailResponse is the API response for a single run
type RunDetailResponse struct {
	RunResponse
	History []HistoryEntry    `json:"history"`
	Result  *resultlog.Record `json:"result,omitempty"`
}

// HistoryEntry is one status log record in a run detail
type HistoryEntry struct {
	Time  string `json:"time"`
	State string `json:"state"`
	Note  string `json:"note,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Scheduled int `json:"scheduled"`
	Building  int `json:"building"`
	Running   int `json:"running"`
	Complete  int `json:"complete"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// SeriesResponse is the API response for a series
type SeriesResponse struct {
	ID   int           `json:"id"`
	Runs []RunResponse `json:"runs"`
	Done bool          `json:"done"`
}

// runResponse reads one run's current state. Runs with an unreadable log
// are reported as CREATED; the log may simply not exist yet.
func (s *Server) runResponse(id int) RunResponse {
	resp := RunResponse{ID: id, State: string(status.StateCreated)}

	if spec, err := testspec.LoadFrozen(s.root.RunDir(id)); err == nil {
		resp.Name = spec.Name
	}
	current, err := s.tracker.Current(s.root.RunDir(id))
	if err != nil {
		return resp
	}
	resp.State = string(current.State)
	resp.Note = current.Note
	resp.Updated = current.Time.Format(time.RFC3339)
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		ids, err := s.root.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var resp StatusResponse
		resp.Total = len(ids)
		for _, id := range ids {
			current, err := s.tracker.Current(s.root.RunDir(id))
			if err != nil {
				if errors.Is(err, status.ErrNoRecords) {
					resp.Created++
				}
				continue
			}
			switch current.State {
			case status.StateCreated:
				resp.Created++
			case status.StateScheduled:
				resp.Scheduled++
			case status.StateBuilding:
				resp.Building++
			case status.StateRunning:
				resp.Running++
			case status.StateComplete:
				resp.Complete++
			case status.StateFailed:
				resp.Failed++
			case status.StateCancelled:
				resp.Cancelled++
			}
		}

		writeJSON(w, resp)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		ids, err := s.root.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]RunResponse, len(ids))
		for i, id := range ids {
			responses[i] = s.runResponse(id)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Extract run ID from path: /api/runs/{id}
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		id, err := idalloc.ParseID(strings.TrimSuffix(path, "/"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		records, err := s.tracker.Read(s.root.RunDir(id))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(records) == 0 {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		detail := RunDetailResponse{RunResponse: s.runResponse(id)}
		for _, rec := range records {
			detail.History = append(detail.History, HistoryEntry{
				Time:  rec.Time.Format(time.RFC3339),
				State: string(rec.State),
				Note:  rec.Note,
			})
		}
		if rec, err := resultlog.Load(s.root.RunResults(id)); err == nil {
			detail.Result = &rec
		}

		writeJSON(w, detail)
	}
}

func (s *Server) listSeriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		ids, err := s.root.ListSeries()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]SeriesResponse, 0, len(ids))
		for _, id := range ids {
			resp, err := s.seriesResponse(id)
			if err != nil {
				continue
			}
			responses = append(responses, resp)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) getSeriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Extract series ID from path: /api/series/{id}
		path := strings.TrimPrefix(r.URL.Path, "/api/series/")
		id, err := idalloc.ParseID(strings.TrimSuffix(path, "/"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "series ID required")
			return
		}

		resp, err := s.seriesResponse(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "series not found")
			return
		}
		writeJSON(w, resp)
	}
}

func (s *Server) seriesResponse(id int) (SeriesResponse, error) {
	members, err := series.Members(s.root, id)
	if err != nil {
		return SeriesResponse{}, err
	}

	resp := SeriesResponse{ID: id, Runs: []RunResponse{}, Done: true}
	for _, runID := range members {
		run := s.runResponse(runID)
		resp.Runs = append(resp.Runs, run)
		if !status.State(run.State).Terminal() {
			resp.Done = false
		}
	}
	return resp, nil
}
