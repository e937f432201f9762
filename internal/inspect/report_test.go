package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/storage"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

func seedInvocation(t *testing.T) (*journal.Store, string) {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	root := filepath.Join(tmpDir, "farm")
	descriptor := filepath.Join(transfer.GenerationDir(root, 0), "fbshader.0000.bff")
	if err := os.MkdirAll(filepath.Dir(descriptor), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(descriptor, []byte("Settings {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Batch 0/0 completed and kept its input; 0/1 was requeued and is gone.
	done := transfer.BatchPaths(root, 0, 0)
	if err := os.MkdirAll(done.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(done.Input, []byte("abcd"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	store := journal.NewStore(db)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.RecordLaunch(ctx, journal.Launch{
		ID: "inv-1", Generation: 0, Descriptor: descriptor,
		Batches: 2, Items: 3, StartedAt: start,
	}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	if err := store.RecordClose(ctx, journal.Close{
		ID: "inv-1", ExitCode: 3, Completed: 1, Requeued: 1,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Batches: []journal.Batch{
			{Generation: 0, Sequence: 0, Items: 2, Outcome: journal.BatchCompleted},
			{Generation: 0, Sequence: 1, Items: 1, Outcome: journal.BatchRequeued},
		},
	}); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}
	return store, descriptor
}

func TestBuildReportRendersBatchesAndArtifacts(t *testing.T) {
	t.Parallel()
	store, descriptor := seedInvocation(t)

	out, err := BuildReport(context.Background(), store, "inv-1")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Invocation Report",
		"ID          : inv-1",
		"Status      : requeued",
		"Exit code   : 3",
		"Duration    : 1.5s",
		descriptor + " (12 B)",
		"[0/0] completed (2 items)",
		"[0/1] requeued (1 items)",
		"Worker.fbin: " + filepath.Join(filepath.Dir(descriptor), "0", "Worker.fbin") + " (4 B)",
		"(gone)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	store, _ := seedInvocation(t)

	out, err := BuildJSONReport(context.Background(), store, "inv-1")
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.InvocationID != "inv-1" || report.Status != journal.StatusRequeued {
		t.Fatalf("unexpected header: %+v", report)
	}
	if len(report.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(report.Batches))
	}
	if !report.Descriptor.Exists {
		t.Fatalf("descriptor should exist: %+v", report.Descriptor)
	}
	if in := report.Batches[0].Artifacts[0]; !in.Exists || in.Size != 4 {
		t.Fatalf("unexpected input artifact: %+v", in)
	}
	if out := report.Batches[1].Artifacts[1]; out.Exists {
		t.Fatalf("requeued batch output should be gone: %+v", out)
	}
}

func TestBuildReportUnknownInvocation(t *testing.T) {
	t.Parallel()
	store, _ := seedInvocation(t)

	_, err := BuildReport(context.Background(), store, "nope")
	if !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildReportRequiresID(t *testing.T) {
	t.Parallel()
	store, _ := seedInvocation(t)

	if _, err := BuildReport(context.Background(), store, "  "); err == nil {
		t.Fatal("expected error for empty id")
	}
}
