package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func snap(status string, progress float64) Snapshot {
	return Snapshot{
		JobID:     "job-1",
		Kind:      "review_processing",
		Status:    status,
		Progress:  &progress,
		UpdatedAt: time.Now().UTC(),
	}
}

// scriptedJob serves a fixed sequence of snapshots, advancing one step per
// status request.
type scriptedJob struct {
	mu    sync.Mutex
	steps []Snapshot
	calls int
}

func (s *scriptedJob) current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i]
}

func newJobServer(t *testing.T, job *scriptedJob, withSocket bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		json.NewEncoder(w).Encode(job.current())
	})
	mux.HandleFunc("POST /api/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"job_id": r.PathValue("id"), "cancel_requested": true})
	})
	if withSocket {
		upgrader := websocket.Upgrader{}
		mux.HandleFunc("GET /api/ws/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				step := job.current()
				if err := conn.WriteJSON(step); err != nil {
					return
				}
				if step.Terminal() {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, updates <-chan Snapshot) []Snapshot {
	t.Helper()
	var got []Snapshot
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return got
			}
			got = append(got, snap)
		case <-timeout:
			t.Fatalf("timed out waiting for updates, got %d so far", len(got))
		}
	}
}

func TestGet(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{snap("processing", 40)}}
	server := newJobServer(t, job, false)
	client := NewClient(server.URL)

	got, err := client.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != "processing" || got.Progress == nil || *got.Progress != 40 {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestGetUnknownJob(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{snap("pending", 0)}}
	server := newJobServer(t, job, false)
	client := NewClient(server.URL)

	_, err := client.Get(context.Background(), "no-such-job")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Get = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestCancel(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{snap("processing", 10)}}
	server := newJobServer(t, job, false)
	client := NewClient(server.URL)

	if err := client.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
}

func TestWatchOverWebSocket(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{
		snap("pending", 0),
		snap("processing", 30),
		snap("processing", 80),
		snap("completed", 100),
	}}
	server := newJobServer(t, job, true)
	client := NewClient(server.URL)

	updates, err := client.Watch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	got := collect(t, updates)

	if len(got) == 0 {
		t.Fatal("no snapshots received")
	}
	last := got[len(got)-1]
	if last.Status != "completed" {
		t.Fatalf("last status = %s, want completed", last.Status)
	}
}

func TestWatchFallsBackToPolling(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{
		snap("processing", 20),
		snap("processing", 60),
		snap("completed", 100),
	}}
	// No WebSocket route: the dial fails and Watch must poll instead.
	server := newJobServer(t, job, false)
	client := NewClient(server.URL)
	client.PollInterval = 10 * time.Millisecond

	updates, err := client.Watch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	got := collect(t, updates)

	if len(got) < 2 {
		t.Fatalf("got %d snapshots, want at least first + terminal", len(got))
	}
	if got[len(got)-1].Status != "completed" {
		t.Fatalf("last status = %s, want completed", got[len(got)-1].Status)
	}
}

func TestWatchTerminalJobClosesImmediately(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{snap("cancelled", 0)}}
	server := newJobServer(t, job, false)
	client := NewClient(server.URL)

	updates, err := client.Watch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	got := collect(t, updates)
	if len(got) != 1 || got[0].Status != "cancelled" {
		t.Fatalf("snapshots = %+v, want single cancelled", got)
	}
}

func TestWatchUnknownJob(t *testing.T) {
	job := &scriptedJob{steps: []Snapshot{snap("pending", 0)}}
	server := newJobServer(t, job, false)
	client := NewClient(server.URL)

	if _, err := client.Watch(context.Background(), "no-such-job"); err == nil {
		t.Fatal("Watch of unknown job succeeded")
	}
}
