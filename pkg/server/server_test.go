package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/core"
	"github.com/haivivi/charcore/pkg/operation"
)

var discard = slog.New(slog.DiscardHandler)

func newServer(t *testing.T) (*core.Core, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Operations.T2T = "echo"
	c, err := core.New(core.Options{Config: &cfg, Logger: discard})
	if err != nil {
		t.Fatalf("core.New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Apply(ctx); err != nil {
		cancel()
		t.Fatalf("Apply error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(New(c, discard).Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		c.Close()
	})
	return c, srv
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestCreateJob(t *testing.T) {
	_, srv := newServer(t)

	for _, tt := range []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"ok", `{"type":"context_request_add","params":{"content":"hi"}}`, http.StatusCreated, ""},
		{"no params", `{"type":"context_clear"}`, http.StatusCreated, ""},
		{"unknown type", `{"type":"dance"}`, http.StatusBadRequest, "unknown_job_type"},
		{"missing field", `{"type":"context_request_add","params":{}}`, http.StatusBadRequest, "invalid_params"},
		{"unknown field", `{"type":"context_clear","params":{"x":1}}`, http.StatusBadRequest, "invalid_params"},
		{"not json", `{`, http.StatusBadRequest, "invalid_params"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, http.MethodPost, srv.URL+"/v1/jobs", tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if tt.code != "" && body["error"] != tt.code {
				t.Fatalf("error = %v, want %s", body["error"], tt.code)
			}
			if tt.code == "" && body["job_id"] == "" {
				t.Fatalf("no job id in %v", body)
			}
		})
	}
}

func TestCancelJob_Nonexistent(t *testing.T) {
	_, srv := newServer(t)
	status, body := do(t, http.MethodDelete, srv.URL+"/v1/jobs/nope?reason=test", "")
	if status != http.StatusNotFound || body["error"] != "nonexistent_job" {
		t.Fatalf("DELETE = %d %v", status, body)
	}
}

func TestIntrospection(t *testing.T) {
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/capabilities")
	if err != nil {
		t.Fatal(err)
	}
	var caps []Capability
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	found := false
	for _, c := range caps {
		if c.Type == operation.T2T && c.ID == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("capabilities = %v, want t2t/echo", caps)
	}

	resp, err = http.Get(srv.URL + "/v1/operations")
	if err != nil {
		t.Fatal(err)
	}
	var snap operation.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if snap.T2T != "echo" {
		t.Fatalf("operations = %+v", snap)
	}

	status, body := do(t, http.MethodGet, srv.URL+"/v1/jobs", "")
	if status != http.StatusOK {
		t.Fatalf("GET /v1/jobs = %d", status)
	}
	if _, ok := body["queued"]; !ok {
		t.Fatalf("job list = %v", body)
	}
}

func TestEvents(t *testing.T) {
	c, srv := newServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for c.Hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("events endpoint never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, body := do(t, http.MethodPost, srv.URL+"/v1/jobs", `{"type":"response"}`)
	if status != http.StatusCreated {
		t.Fatalf("POST = %d %v", status, body)
	}
	id := body["job_id"].(string)

	conn.SetReadDeadline(deadline)
	var final bool
	var text strings.Builder
	for !final {
		var ev broadcast.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON error: %v", err)
		}
		if ev.JobID != id {
			continue
		}
		if ev.Stage == broadcast.StageTextFinal {
			text.WriteString(ev.Content)
		}
		if ev.Finished {
			final = true
			if ev.Success == nil || !*ev.Success {
				t.Fatalf("response failed: %s %s", ev.Error, ev.Reason)
			}
		}
	}
	if text.Len() == 0 {
		t.Fatal("no text_final events before the final event")
	}
}
