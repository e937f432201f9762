package watch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/farmdispatch/internal/dispatch"
	"github.com/mattjoyce/farmdispatch/internal/events"
)

const maxInvocations = 20

// InvocationState is one build invocation as seen through the event stream.
type InvocationState struct {
	ID         string
	Generation int
	Batches    int
	Items      int
	LocalOnly  bool
	Closed     bool
	ExitCode   int
	Completed  int
	Requeued   int
	Error      string
}

// updateInvocations applies a launch or close event. Invocations are kept
// newest first.
func updateInvocations(invs []*InvocationState, e events.Event) []*InvocationState {
	switch e.Type {
	case events.InvocationLaunched:
		var p events.LaunchPayload
		if json.Unmarshal(e.Data, &p) != nil || p.InvocationID == "" {
			return invs
		}
		inv := &InvocationState{
			ID:         p.InvocationID,
			Generation: p.Generation,
			Batches:    p.Batches,
			Items:      p.Items,
			LocalOnly:  p.LocalOnly,
		}
		invs = append([]*InvocationState{inv}, invs...)
		if len(invs) > maxInvocations {
			invs = invs[:maxInvocations]
		}
	case events.InvocationClosed:
		var p events.ClosePayload
		if json.Unmarshal(e.Data, &p) != nil {
			return invs
		}
		for _, inv := range invs {
			if inv.ID == p.InvocationID {
				inv.Closed = true
				inv.ExitCode = p.ExitCode
				inv.Completed = p.Completed
				inv.Requeued = p.Requeued
				inv.Error = p.Error
				break
			}
		}
	}
	return invs
}

func newInvocationTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Invocation", Width: 10},
			{Title: "Gen", Width: 3},
			{Title: "Batches", Width: 7},
			{Title: "Items", Width: 6},
			{Title: "Done", Width: 5},
			{Title: "Requeued", Width: 8},
			{Title: "Exit", Width: 4},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func invocationRows(invs []*InvocationState, status dispatch.Status, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(invs))
	for _, inv := range invs {
		sym := theme.StatusRunning.Render("◉")
		exit := "-"
		done := "-"
		switch {
		case !inv.Closed && inv.ID == status.InvocationID:
			done = strconv.Itoa(status.InFlightCompleted)
		case inv.Closed && inv.Error != "":
			sym = theme.StatusFailed.Render("∅")
		case inv.Closed && inv.Requeued > 0:
			sym = theme.StatusQueued.Render("◑")
		case inv.Closed:
			sym = theme.StatusOK.Render("●")
		}
		if inv.Closed {
			exit = strconv.Itoa(inv.ExitCode)
			done = strconv.Itoa(inv.Completed)
		}
		id := inv.ID
		if len(id) > 8 {
			id = id[:8]
		}
		if inv.LocalOnly {
			id += "*"
		}
		rows = append(rows, table.Row{
			sym,
			id,
			strconv.Itoa(inv.Generation),
			strconv.Itoa(inv.Batches),
			strconv.Itoa(inv.Items),
			done,
			strconv.Itoa(inv.Requeued),
			exit,
		})
	}
	return rows
}

func renderFarm(status dispatch.Status, invTable table.Model, theme Theme, width int) string {
	innerWidth := width - 4

	mode := theme.StatusOK.Render("distributed")
	if status.LocalOnly {
		mode = theme.Highlight.Render("local-only")
	}
	pipeline := strings.Join([]string{
		fmt.Sprintf("Outstanding %s", theme.Header.Render(strconv.FormatInt(status.Outstanding, 10))),
		fmt.Sprintf("Collecting %d (%d items)", status.Collecting, status.CollectingItems),
		fmt.Sprintf("Ready %d", status.Ready),
		fmt.Sprintf("In flight %d/%d", status.InFlightCompleted, status.InFlight),
	}, theme.Dim.Render(" → "))
	meta := fmt.Sprintf("Generation %d  Invocations %d  Mode %s", status.Generation, status.Invocations, mode)

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("BATCHES"),
		" "+pipeline,
		" "+meta,
		"",
		theme.Title.Render("INVOCATIONS"),
		invTable.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
