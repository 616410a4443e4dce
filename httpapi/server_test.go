package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	membroker "github.com/floqueue/floq/broker/memory"
	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/httpapi"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
	memstore "github.com/floqueue/floq/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	brk := membroker.New()
	t.Cleanup(func() { brk.Close() })

	reg := job.NewRegistry()
	job.RegisterDefinition(reg, job.NewDefinition("echo",
		func(_ context.Context, s string) (string, error) { return s, nil },
	))

	srv := &httpapi.Server{
		Dispatcher: dispatcher.New(store, brk, reg, dispatcher.WithLogger(logger)),
		Logger:     logger,
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestServer_SubmitAndStatus(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{
		"kind":    "echo",
		"payload": "hello",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, resp, &created)
	if created.JobID == "" {
		t.Fatal("job_id missing in response")
	}

	jobID, err := id.ParseJobID(created.JobID)
	if err != nil {
		t.Fatalf("returned job id invalid: %v", err)
	}
	if _, err := store.GetJob(context.Background(), jobID); err != nil {
		t.Fatalf("submitted job not in store: %v", err)
	}

	getResp, err := http.Get(ts.URL + "/v1/jobs/" + created.JobID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", getResp.StatusCode)
	}
	var got struct {
		ID    string `json:"id"`
		Kind  string `json:"kind"`
		State string `json:"state"`
	}
	decodeBody(t, getResp, &got)
	if got.ID != created.JobID || got.Kind != "echo" || got.State != "pending" {
		t.Errorf("status = %+v", got)
	}
}

func TestServer_SubmitValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{"payload": 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing kind status = %d, want 400", resp.StatusCode)
	}

	raw, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", raw.StatusCode)
	}
}

func TestServer_StatusNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/jobs/" + id.NewJobID().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	bad, err := http.Get(ts.URL + "/v1/jobs/not-a-job-id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", bad.StatusCode)
	}
}

func TestServer_ListAndStats(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{"kind": "echo", "payload": i})
		resp.Body.Close()
	}

	listResp, err := http.Get(ts.URL + "/v1/jobs?state=pending&limit=2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	decodeBody(t, listResp, &listed)
	if len(listed.Jobs) != 2 {
		t.Errorf("listed = %d jobs, want 2", len(listed.Jobs))
	}

	statsResp, err := http.Get(ts.URL + "/v1/jobs/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats map[string]int64
	decodeBody(t, statsResp, &stats)
	if stats["pending"] != 3 {
		t.Errorf("pending = %d, want 3", stats["pending"])
	}
}

func TestServer_Cancel(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{
		"kind":   "echo",
		"run_at": time.Now().Add(time.Hour),
	})
	var created struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, resp, &created)

	cancelResp := postJSON(t, ts.URL+"/v1/jobs/"+created.JobID+"/cancel", nil)
	cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", cancelResp.StatusCode)
	}

	jobID, _ := id.ParseJobID(created.JobID)
	j, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !j.CancelRequested {
		t.Error("cancel flag should be set")
	}
}

func TestServer_Healthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}
}
