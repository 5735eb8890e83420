package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/store"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := testConfig()
	cfg.Tokens = map[string]string{"tok-a1": "a1", "tok-a2": "a2"}
	cfg.StorePath = filepath.Join(t.TempDir(), "test.db")
	cfg.HistoryRetentionDays = 0 // no cron in tests
	cfg.ListenAddr = ":0"
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s, err := New(cfg, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestAPI_SubmitQueryCancel(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Submit to a token-seeded, offline agent.
	resp := postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "whoami", Timeout: 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var sub submitResponse
	decodeBody(t, resp, &sub)
	if sub.CommandID == "" || sub.Status != store.StatusPending || sub.Timeout != 5 {
		t.Fatalf("unexpected submit response: %+v", sub)
	}

	// Query it back.
	resp, err := http.Get(ts.URL + "/commands/" + sub.CommandID)
	if err != nil {
		t.Fatal(err)
	}
	var cmd store.Command
	decodeBody(t, resp, &cmd)
	if cmd.Command != "whoami" || cmd.AgentID != "a1" {
		t.Fatalf("unexpected command row: %+v", cmd)
	}

	// Agent history contains it.
	resp, err = http.Get(ts.URL + "/agents/a1/commands")
	if err != nil {
		t.Fatal(err)
	}
	var history struct {
		Commands []store.Command `json:"commands"`
		Count    int             `json:"count"`
	}
	decodeBody(t, resp, &history)
	if history.Count != 1 {
		t.Fatalf("history count = %d", history.Count)
	}

	// Queue summary shows it pending with no session.
	resp, err = http.Get(ts.URL + "/agents/a1/queue")
	if err != nil {
		t.Fatal(err)
	}
	var snap QueueSnapshot
	decodeBody(t, resp, &snap)
	if snap.SessionBound || len(snap.Pending) != 1 {
		t.Fatalf("unexpected queue snapshot: %+v", snap)
	}

	// Cancel while pending.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/commands/"+sub.CommandID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Cancelling again conflicts.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_SubmitValidationRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "rm -rf /"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e errorResponse
	decodeBody(t, resp, &e)
	if e.Reason != "denied" {
		t.Fatalf("reason = %q", e.Reason)
	}

	// Nothing was written to the store.
	resp, err := http.Get(ts.URL + "/commands")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 0 {
		t.Fatalf("rejected command reached the store: count=%d", list.Count)
	}
}

func TestAPI_SubmitShellOperatorForbidden(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.AllowShellOperators = false
	})

	resp := postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "ls; cat /etc/passwd"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e errorResponse
	decodeBody(t, resp, &e)
	if e.Reason != "shell_operator_forbidden" {
		t.Fatalf("reason = %q", e.Reason)
	}
}

func TestAPI_SubmitUnknownAgent(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/agents/ghost/commands", submitRequest{Command: "whoami"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_BulkSubmit(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/commands/bulk", bulkSubmitRequest{
		AgentIDs: []string{"a1", "a2", "ghost"},
		Command:  "uptime",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Results []bulkSubmitResult `json:"results"`
	}
	decodeBody(t, resp, &body)
	if len(body.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(body.Results))
	}
	for _, res := range body.Results[:2] {
		if res.CommandID == "" || res.Status != store.StatusPending {
			t.Errorf("expected queued result for %s: %+v", res.AgentID, res)
		}
	}
	if body.Results[2].Error != "unknown agent" {
		t.Errorf("ghost result: %+v", body.Results[2])
	}
}

func TestAPI_AgentsOverlay(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
			Status  string `json:"status"`
			Online  bool   `json:"online"`
		} `json:"agents"`
		Total int `json:"total"`
	}
	decodeBody(t, resp, &body)
	if body.Total != 2 {
		t.Fatalf("expected 2 seeded agents, got %d", body.Total)
	}
	for _, a := range body.Agents {
		if a.Online {
			t.Errorf("agent %s should be offline", a.AgentID)
		}
	}
}

func TestAPI_HealthAndStatistics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status  string           `json:"status"`
		Metrics map[string]int64 `json:"metrics"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "ok" {
		t.Fatalf("health status = %q", health.Status)
	}
	if _, ok := health.Metrics["late_result_drops"]; !ok {
		t.Error("late_result_drops missing from health metrics")
	}

	postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "whoami"}).Body.Close()

	resp, err = http.Get(ts.URL + "/statistics")
	if err != nil {
		t.Fatal(err)
	}
	var stats store.Stats
	decodeBody(t, resp, &stats)
	if stats.Total != 1 || stats.ByStatus[store.StatusPending] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAPI_ExportCSV(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: fmt.Sprintf("echo %d", i)}).Body.Close()
	}

	resp, err := http.Get(ts.URL + "/history/export?format=csv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/csv" {
		t.Errorf("content type = %q", got)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 { // header + 3 rows
		t.Fatalf("expected 4 csv lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "command_id,agent_id,command,status") {
		t.Errorf("unexpected header: %q", lines[0])
	}

	resp, err = http.Get(ts.URL + "/history/export?format=tsv")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad format status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_Cleanup(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/history/cleanup", cleanupRequest{OlderThanDays: 7})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Purged int64 `json:"purged"`
	}
	decodeBody(t, resp, &body)
	if body.Purged != 0 {
		t.Errorf("purged = %d on empty history", body.Purged)
	}

	resp = postJSON(t, ts.URL+"/history/cleanup", cleanupRequest{OlderThanDays: 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid cleanup status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
