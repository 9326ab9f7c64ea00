package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bedrockd/bedrockd/internal/supervisor"
)

func newTestAPI(t *testing.T) (*httptest.Server, *supervisor.Supervisor, string) {
	t.Helper()
	base := t.TempDir()
	sup := supervisor.New(supervisor.Options{
		BaseDir:      base,
		StopTimeout:  2 * time.Second,
		RestartDelay: 30 * time.Millisecond,
		StableUptime: time.Hour,
	})
	t.Cleanup(func() { _ = sup.Shutdown() })
	ts := httptest.NewServer(NewRouter(sup, "/api", true).Handler())
	t.Cleanup(ts.Close)
	return ts, sup, base
}

func installServer(t *testing.T, baseDir, name string) {
	t.Helper()
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\nread _\n"
	if err := os.WriteFile(filepath.Join(dir, "bedrock_server"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestRouter_Validation(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp, _ := post(t, ts.URL+"/api/start", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start without name: %d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/api/start?name=../etc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start with traversal name: %d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/api/command?name=a", "not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("command with bad body: %d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/api/stop?name=ghost", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop of unknown server: %d", resp.StatusCode)
	}
}

func TestRouter_Lifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX-only test")
	}
	ts, _, base := newTestAPI(t)
	installServer(t, base, "alpha")

	resp, body := post(t, ts.URL+"/api/start?name=alpha", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	resp, body = post(t, ts.URL+"/api/start?name=alpha", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double start: %d %s", resp.StatusCode, body)
	}

	r, err := http.Get(ts.URL + "/api/status?name=alpha")
	if err != nil {
		t.Fatal(err)
	}
	var st supervisor.Status
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	_ = r.Body.Close()
	if st.State != supervisor.StateRunning || st.PID <= 0 {
		t.Fatalf("unexpected status: %+v", st)
	}

	r, err = http.Get(ts.URL + "/api/stats?name=alpha")
	if err != nil {
		t.Fatal(err)
	}
	if r.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d", r.StatusCode)
	}
	_ = r.Body.Close()

	resp, body = post(t, ts.URL+"/api/command?name=alpha", `{"command":"stop"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blocked command: %d %s", resp.StatusCode, body)
	}

	resp, body = post(t, ts.URL+"/api/stop?name=alpha", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d %s", resp.StatusCode, body)
	}

	r, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var all []supervisor.Status
	if err := json.NewDecoder(r.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	_ = r.Body.Close()
	if len(all) != 1 || all[0].Name != "alpha" || all[0].State != supervisor.StateStopped {
		t.Fatalf("unexpected status list: %+v", all)
	}

	r, err = http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	if r.StatusCode != http.StatusOK {
		t.Fatalf("metrics endpoint: %d", r.StatusCode)
	}
	_ = r.Body.Close()
}
