package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/simcalib/internal/server"
)

// submitJob posts cfg to the test server and waits for the job to finish.
func submitJob(t *testing.T, baseURL, cfg string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/v1/jobs", "application/yaml", strings.NewReader(cfg))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var job server.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode job: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var status jobStatus
		if err := getJSON(baseURL+"/api/v1/jobs/"+job.ID+"/status", &status); err != nil {
			t.Fatalf("Failed to poll job: %v", err)
		}
		if status.Job.State.Terminal() {
			return job.ID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", job.ID)
	return ""
}

func TestListJobs_Empty(t *testing.T) {
	ts := httptest.NewServer(server.NewServer("", nil).Handler())
	defer ts.Close()

	var buf bytes.Buffer
	if err := listJobs(&buf, ts.URL+"/api/v1/jobs"); err != nil {
		t.Fatalf("listJobs failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No jobs found") {
		t.Errorf("Unexpected output: %s", buf.String())
	}
}

func TestStatusCommands(t *testing.T) {
	ts := httptest.NewServer(server.NewServer("", nil).Handler())
	defer ts.Close()

	jobID := submitJob(t, ts.URL, decayConfig)

	var list bytes.Buffer
	if err := listJobs(&list, ts.URL+"/api/v1/jobs"); err != nil {
		t.Fatalf("listJobs failed: %v", err)
	}
	for _, want := range []string{"Found 1 job(s)", jobID, "completed"} {
		if !strings.Contains(list.String(), want) {
			t.Errorf("List output should contain %q:\n%s", want, list.String())
		}
	}

	var detail bytes.Buffer
	if err := getJobStatus(&detail, ts.URL+"/api/v1/jobs/"+jobID+"/status", jobID); err != nil {
		t.Fatalf("getJobStatus failed: %v", err)
	}
	for _, want := range []string{"State: completed", "Optimizer state: converged", "Optimizer: levenberg-marquardt", "a = ", "k = "} {
		if !strings.Contains(detail.String(), want) {
			t.Errorf("Status output should contain %q:\n%s", want, detail.String())
		}
	}
}

func TestGetJobStatus_NotFound(t *testing.T) {
	ts := httptest.NewServer(server.NewServer("", nil).Handler())
	defer ts.Close()

	err := getJobStatus(&bytes.Buffer{}, ts.URL+"/api/v1/jobs/missing/status", "missing")
	if err == nil || !strings.Contains(err.Error(), "job not found: missing") {
		t.Errorf("Expected job not found error, got %v", err)
	}
}

func TestGetJSON_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	var v any
	if err := getJSON(url, &v); err == nil {
		t.Error("Expected error for unreachable server")
	}
}
