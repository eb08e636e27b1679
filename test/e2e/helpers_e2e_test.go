//go:build e2e

// Package e2e_test drives a running orchestrator stack over HTTP. The tests
// play both sides of the protocol: the submitting client and the test agent
// reporting status. Point E2E_BASE_URL at the server (default
// http://localhost:8080) and make sure the worker process is running, or
// nothing will ever be scheduled.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

const (
	// appReadyTimeout bounds the wait for /readyz after stack start.
	appReadyTimeout = 60 * time.Second

	// assignTimeout covers a scheduler tick plus a dispatcher tick with
	// plenty of slack for a cold stack.
	assignTimeout = 30 * time.Second

	httpTimeout = 10 * time.Second
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

func newClient() *http.Client { return &http.Client{Timeout: httpTimeout} }

// uniqueSuffix isolates concurrent or repeated runs against the same stack.
func uniqueSuffix() string { return fmt.Sprintf("%d", time.Now().UnixNano()) }

func waitForAppReady(t *testing.T, client *http.Client) {
	t.Helper()
	deadline := time.Now().Add(appReadyTimeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("app not ready after %v at %s", appReadyTimeout, baseURL())
}

// doJSON issues a request with a JSON body and decodes the JSON response.
func doJSON(t *testing.T, client *http.Client, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL()+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s (%d): %v\nbody: %s", method, path, resp.StatusCode, err, raw)
		}
	}
	return resp.StatusCode, out
}

func registerAgent(t *testing.T, client *http.Client, id string, targets ...string) {
	t.Helper()
	caps := make([]map[string]any, 0, len(targets))
	for _, target := range targets {
		caps = append(caps, map[string]any{"target": target})
	}
	code, body := doJSON(t, client, http.MethodPost, "/api/agents/register", map[string]any{
		"id":                  id,
		"name":                "e2e agent " + id,
		"capabilities":        caps,
		"max_concurrent_jobs": 2,
	})
	if code != http.StatusOK {
		t.Fatalf("register agent: status %d body %#v", code, body)
	}
	if body["agent_id"] != id {
		t.Fatalf("register agent: want id %q, got %#v", id, body)
	}
}

func heartbeat(t *testing.T, client *http.Client, id, status string, currentJobs []string) {
	t.Helper()
	if currentJobs == nil {
		currentJobs = []string{}
	}
	code, body := doJSON(t, client, http.MethodPost, "/api/agents/"+id+"/heartbeat", map[string]any{
		"status":       status,
		"current_jobs": currentJobs,
	})
	if code != http.StatusOK {
		t.Fatalf("heartbeat: status %d body %#v", code, body)
	}
}

func submitJob(t *testing.T, client *http.Client, org, appVersion, target string, priority int) string {
	t.Helper()
	code, body := doJSON(t, client, http.MethodPost, "/api/jobs", map[string]any{
		"org_id":         org,
		"app_version_id": appVersion,
		"test_path":      "suites/smoke_spec.yaml",
		"target":         target,
		"priority":       priority,
	})
	if code != http.StatusCreated {
		t.Fatalf("submit job: status %d body %#v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("submit job: no id in %#v", body)
	}
	return id
}

func getJob(t *testing.T, client *http.Client, id string) map[string]any {
	t.Helper()
	code, body := doJSON(t, client, http.MethodGet, "/api/jobs/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get job %s: status %d body %#v", id, code, body)
	}
	return body
}

// waitForAssignment polls until the scheduler and dispatcher have placed the
// job with an agent.
func waitForAssignment(t *testing.T, client *http.Client, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(assignTimeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = getJob(t, client, jobID)
		if agent, _ := last["assigned_agent"].(string); agent != "" {
			return last
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("job %s not assigned after %v; last: %#v", jobID, assignTimeout, last)
	return nil
}

func updateStatus(t *testing.T, client *http.Client, jobID, status string, extra map[string]any) (int, map[string]any) {
	t.Helper()
	body := map[string]any{"status": status}
	for k, v := range extra {
		body[k] = v
	}
	return doJSON(t, client, http.MethodPut, "/api/jobs/"+jobID+"/status", body)
}
