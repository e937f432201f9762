package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/api"
	"github.com/mattjoyce/farmdispatch/internal/config"
	"github.com/mattjoyce/farmdispatch/internal/dispatch"
	"github.com/mattjoyce/farmdispatch/internal/events"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/log"
	"github.com/mattjoyce/farmdispatch/internal/metrics"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/storage"
)

// fakeBuildTool answers every batch named in the descriptor by echoing
// each item's payload back as its output.
const fakeBuildTool = `#!/bin/sh
desc="$2"
grep -o ".CompilerInputFiles = { '[^']*' }" "$desc" | sed -e "s/.*{ '//" -e "s/' }//" | while read -r in; do
  out="$(dirname "$in")/Worker.fbout"
  sed -e 's/"items"/"results"/' -e 's/"payload":\("[^"]*"\)/"succeeded":true,"output":\1/g' "$in" > "$out.tmp"
  mv "$out.tmp" "$out"
done
exit 0
`

const apiKey = "e2e-key"

func TestEndToEndFarm(t *testing.T) {
	// 1. Setup Environment
	tmpDir := t.TempDir()
	workingDir := filepath.Join(tmpDir, "farm")
	tool := filepath.Join(tmpDir, "fbuild")
	if err := os.WriteFile(tool, []byte(fakeBuildTool), 0o755); err != nil {
		t.Fatalf("write build tool: %v", err)
	}

	log.Setup("ERROR")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	jrnl := journal.NewStore(db)
	hub := events.NewHub(256)
	prom := metrics.NewPrometheus("e2e")
	q := queue.New()

	// 2. Start the dispatcher against the fake build tool
	disp, err := dispatch.New(ctx, config.FarmConfig{
		Enabled:        true,
		Executable:     tool,
		WorkingDir:     workingDir,
		DisableRemote:  true,
		DisableCache:   true,
		BatchSize:      2,
		BatchGroupSize: 2,
		JobTimeout:     20 * time.Millisecond,
	}, q,
		dispatch.WithJournal(jrnl),
		dispatch.WithHub(hub),
		dispatch.WithMetrics(prom),
		dispatch.WithPollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- disp.Run(runCtx) }()

	srv := httptest.NewServer(api.New(api.Config{APIKey: apiKey}, api.Deps{
		Queue:   q,
		Status:  disp,
		Events:  hub,
		Journal: jrnl,
		Metrics: prom.Handler(),
	}, log.WithComponent("api")).Handler())
	defer srv.Close()

	// 3. Submit five items in one group over HTTP
	req := api.SubmitRequest{}
	for i := range 5 {
		req.Items = append(req.Items, api.SubmitItem{
			Group:   "material-1",
			Payload: fmt.Appendf(nil, "shader-%d", i),
		})
	}
	var submitted api.SubmitResponse
	if code := call(t, srv, http.MethodPost, "/items", req, &submitted); code != http.StatusAccepted {
		t.Fatalf("POST /items status = %d", code)
	}
	if len(submitted.IDs) != 5 {
		t.Fatalf("expected 5 ids, got %d", len(submitted.IDs))
	}

	// 4. Wait for every item to come back
	var results api.ResultsResponse
	deadline := time.Now().Add(10 * time.Second)
	for {
		code := call(t, srv, http.MethodGet, "/results/material-1", nil, &results)
		if code == http.StatusOK && len(results.Items) == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for results (status %d, %d items, dispatcher %+v)",
				code, len(results.Items), disp.Status())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !results.AllSucceeded {
		t.Fatalf("expected all items to succeed: %+v", results.Items)
	}
	payloads := make(map[string]bool)
	for _, it := range results.Items {
		payloads[string(it.Output)] = true
	}
	for i := range 5 {
		if want := fmt.Sprintf("shader-%d", i); !payloads[want] {
			t.Fatalf("missing output %q in %+v", want, payloads)
		}
	}
	if q.Outstanding() != 0 {
		t.Fatalf("outstanding = %d after all results", q.Outstanding())
	}

	// 5. Verify status and journal
	// The status snapshot is published at the end of a tick, so it can
	// trail the results by one poll interval.
	var status dispatch.Status
	for {
		if code := call(t, srv, http.MethodGet, "/status", nil, &status); code != http.StatusOK {
			t.Fatalf("GET /status status = %d", code)
		}
		if status.Failed {
			t.Fatalf("dispatcher failed: %+v", status)
		}
		if status.Outstanding == 0 && status.InFlight == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never settled: %+v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Every invocation is journaled before the status settles.
	var invocations []api.InvocationResponse
	if code := call(t, srv, http.MethodGet, "/invocations", nil, &invocations); code != http.StatusOK {
		t.Fatalf("GET /invocations status = %d", code)
	}
	if len(invocations) == 0 {
		t.Fatal("no invocations journaled")
	}
	items := 0
	for _, inv := range invocations {
		if inv.Status == journal.StatusFailed {
			t.Fatalf("invocation failed: %+v", inv)
		}
		if inv.Status == journal.StatusSucceeded {
			items += inv.Items
		}
	}
	if items != 5 {
		t.Fatalf("succeeded invocations covered %d items, want 5", items)
	}

	// 6. Shutdown purges the working root
	stopRun()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if err := disp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(workingDir); !os.IsNotExist(err) {
		t.Fatalf("working root not purged: %v", err)
	}
}

func call(t *testing.T, srv *httptest.Server, method, path string, body, out any) int {
	t.Helper()

	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}
