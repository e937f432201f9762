package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/farmdispatch/internal/inspect"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/storage"
)

func runInvocationNoun(args []string) int {
	if len(args) < 1 {
		printInvocationNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printInvocationNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runInvocationList(actionArgs)
	case "inspect":
		return runInvocationInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown invocation action: %s\n\n", action)
		printInvocationNounHelp(os.Stderr)
		return 1
	}
}

func printInvocationNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: farmdispatch invocation <list|inspect <id>> [flags]")
}

// openJournal opens the state database named by the config. A running
// dispatcher may hold the write lock; the busy timeout waits it out.
func openJournal(ctx context.Context, configPath string) (*journal.Store, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return journal.NewStore(db), func() { _ = db.Close() }, nil
}

func runInvocationList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration")
	limit := fs.Int("limit", 20, "Maximum invocations to show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openJournal(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	entries, err := store.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("No invocations recorded.")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGEN\tSTATUS\tEXIT\tBATCHES\tITEMS\tSTARTED")
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.Generation, e.Status, exit, e.Batches, e.Items, humanize.Time(e.StartedAt))
	}
	_ = tw.Flush()
	return 0
}

func runInvocationInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: farmdispatch invocation inspect [-config path] [-json] <id>")
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openJournal(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, store, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}
