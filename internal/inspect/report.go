// Package inspect renders a post-mortem report for one build invocation:
// its journal row, each batch's recorded outcome, and whatever artifacts
// are still on disk in the working root.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// Source is the journal view the report reads from.
type Source interface {
	Get(ctx context.Context, id string) (journal.Entry, error)
	Batches(ctx context.Context, invocationID string) ([]journal.Batch, error)
}

// Report is the structured JSON representation of an invocation report.
type Report struct {
	InvocationID string     `json:"invocation_id"`
	Status       string     `json:"status"`
	Generation   int        `json:"generation"`
	LocalOnly    bool       `json:"local_only"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Items        int        `json:"items"`
	Completed    int        `json:"completed"`
	Requeued     int        `json:"requeued"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Duration     string     `json:"duration,omitempty"`
	Descriptor   Artifact   `json:"descriptor"`
	Batches      []Batch    `json:"batches"`
}

// Batch is one batch of the invocation.
type Batch struct {
	Generation int        `json:"generation"`
	Sequence   int        `json:"sequence"`
	Items      int        `json:"items"`
	Outcome    string     `json:"outcome"`
	Artifacts  []Artifact `json:"artifacts"`
}

// Artifact is a file the invocation wrote or expected.
type Artifact struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
}

// BuildReport renders a terminal-friendly report for an invocation.
func BuildReport(ctx context.Context, src Source, invocationID string) (string, error) {
	report, err := gatherReportData(ctx, src, invocationID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Invocation Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.InvocationID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Generation  : %d\n", report.Generation)
	fmt.Fprintf(&out, "Local only  : %t\n", report.LocalOnly)
	if report.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.ExitCode)
	} else {
		fmt.Fprintf(&out, "Exit code   : <none>\n")
	}
	fmt.Fprintf(&out, "Items       : %d\n", report.Items)
	fmt.Fprintf(&out, "Completed   : %d batch(es)\n", report.Completed)
	fmt.Fprintf(&out, "Requeued    : %d batch(es)\n", report.Requeued)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "Descriptor  : %s\n", renderArtifact(report.Descriptor))
	fmt.Fprintf(&out, "\n")

	if len(report.Batches) == 0 {
		fmt.Fprintf(&out, "No batch outcomes recorded.\n")
	}
	for _, b := range report.Batches {
		fmt.Fprintf(&out, "[%d/%d] %s (%d items)\n", b.Generation, b.Sequence, b.Outcome, b.Items)
		for _, a := range b.Artifacts {
			fmt.Fprintf(&out, "    %-7s: %s\n", filepath.Base(a.Path), renderArtifact(a))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Source, invocationID string) (string, error) {
	report, err := gatherReportData(ctx, src, invocationID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, invocationID string) (*Report, error) {
	if strings.TrimSpace(invocationID) == "" {
		return nil, fmt.Errorf("invocation id is required")
	}

	entry, err := src.Get(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	batches, err := src.Batches(ctx, invocationID)
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}

	report := &Report{
		InvocationID: entry.ID,
		Status:       entry.Status,
		Generation:   entry.Generation,
		LocalOnly:    entry.LocalOnly,
		ExitCode:     entry.ExitCode,
		Items:        entry.Items,
		Completed:    entry.Completed,
		Requeued:     entry.Requeued,
		LastError:    entry.LastError,
		StartedAt:    entry.StartedAt,
		FinishedAt:   entry.FinishedAt,
		Descriptor:   statArtifact(entry.Descriptor),
		Batches:      make([]Batch, 0, len(batches)),
	}
	if entry.FinishedAt != nil {
		report.Duration = entry.FinishedAt.Sub(entry.StartedAt).Round(time.Millisecond).String()
	}

	// The descriptor sits in its generation directory directly under the
	// working root.
	root := filepath.Dir(filepath.Dir(entry.Descriptor))
	for _, b := range batches {
		paths := transfer.BatchPaths(root, b.Generation, b.Sequence)
		report.Batches = append(report.Batches, Batch{
			Generation: b.Generation,
			Sequence:   b.Sequence,
			Items:      b.Items,
			Outcome:    b.Outcome,
			Artifacts: []Artifact{
				statArtifact(paths.Input),
				statArtifact(paths.Output),
				statArtifact(paths.Success),
			},
		})
	}
	return report, nil
}

func statArtifact(path string) Artifact {
	a := Artifact{Path: path}
	if path == "" {
		return a
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		a.Exists = true
		a.Size = info.Size()
	}
	return a
}

func renderArtifact(a Artifact) string {
	if a.Path == "" {
		return "<unknown>"
	}
	if !a.Exists {
		return a.Path + " (gone)"
	}
	return fmt.Sprintf("%s (%s)", a.Path, humanize.Bytes(uint64(a.Size)))
}
