package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/AT020993/knesset-refactor-sub000/internal/checkpoint"
	"github.com/AT020993/knesset-refactor-sub000/internal/config"
	"github.com/AT020993/knesset-refactor-sub000/internal/logging"
	"github.com/AT020993/knesset-refactor-sub000/internal/orchestrator"
	"github.com/AT020993/knesset-refactor-sub000/internal/progress"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "knsync",
		Usage:   "Download Knesset parliament OData tables into a local SQLite database",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Refresh tables from the OData service",
				ArgsUsage: "[table ...]",
				Action:    runRefresh,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress bar",
					},
					&cli.BoolFlag{
						Name:  "output-json",
						Usage: "Output JSON run report to stdout (logs go to stderr)",
					},
				},
			},
			{
				Name:   "resume-info",
				Usage:  "Show saved cursor checkpoints",
				Action: showResumeInfo,
			},
			{
				Name:   "tables",
				Usage:  "List known tables and their stored row counts",
				Action: listTables,
			},
			{
				Name:      "clear",
				Usage:     "Clear saved checkpoints (all, or the named tables)",
				ArgsUsage: "[table ...]",
				Action:    clearCheckpoints,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path != "" {
		return config.Load(path)
	}
	// Fall back to config.yaml next to the binary invocation, else defaults.
	if _, err := os.Stat("config.yaml"); err == nil {
		return config.Load("config.yaml")
	}
	return config.Default(), nil
}

func newOrchestrator(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return orchestrator.New(cfg)
}

func runRefresh(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("output-json") {
		logging.SetOutput(os.Stderr)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
		cancel()
	}()

	var tracker *progress.Tracker
	if !c.Bool("no-progress") && !c.Bool("output-json") {
		tracker = progress.New()
	}

	report, runErr := orch.Refresh(ctx, c.Args().Slice(), tracker)
	if tracker != nil {
		tracker.Finish()
	}

	if c.Bool("output-json") && report != nil {
		if err := outputJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	if report != nil && len(report.Failed()) > 0 {
		return fmt.Errorf("%d of %d tables failed", len(report.Failed()), len(report.Results))
	}
	return nil
}

func showResumeInfo(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	entries := orch.ResumeInfo()
	if len(entries) == 0 {
		fmt.Println("No saved checkpoints")
		return nil
	}

	fmt.Printf("%-25s %12s %12s %20s\n", "Table", "Last Key", "Rows", "Updated")
	for _, name := range sortedKeys(entries) {
		e := entries[name]
		fmt.Printf("%-25s %12d %12d %20s\n",
			name, e.LastPrimaryKey, e.TotalRows, e.LastUpdate.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func listTables(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	stored, err := orch.StoredTables()
	if err != nil {
		return err
	}
	rowCounts := make(map[string]int64, len(stored))
	updated := make(map[string]string, len(stored))
	for _, info := range stored {
		rowCounts[info.Name] = info.Rows
		updated[info.Name] = info.UpdatedAt
	}

	fmt.Printf("%-25s %-8s %12s %20s\n", "Table", "Mode", "Rows", "Updated")
	for _, name := range orch.CatalogNames() {
		t, _ := orch.CatalogTable(name)
		mode := "skip"
		if t.Cursor {
			mode = "cursor"
		}
		fmt.Printf("%-25s %-8s %12d %20s\n", name, mode, rowCounts[name], updated[name])
	}
	return nil
}

func clearCheckpoints(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.ClearResume(c.Args().Slice()); err != nil {
		return err
	}
	fmt.Println("Checkpoints cleared")
	return nil
}

func outputJSON(report *orchestrator.Report) error {
	type tableResult struct {
		Table       string `json:"table"`
		Rows        int    `json:"rows"`
		FailedPages []int  `json:"failed_pages,omitempty"`
		DurationMS  int64  `json:"duration_ms"`
		Error       string `json:"error,omitempty"`
	}
	out := struct {
		RunID      string        `json:"run_id"`
		DurationMS int64         `json:"duration_ms"`
		TotalRows  int64         `json:"total_rows"`
		Tables     []tableResult `json:"tables"`
	}{
		RunID:      report.RunID,
		DurationMS: report.Duration.Milliseconds(),
		TotalRows:  report.TotalRows(),
	}
	for _, res := range report.Results {
		tr := tableResult{
			Table:       res.Table,
			Rows:        res.Rows,
			FailedPages: res.FailedPages,
			DurationMS:  res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			tr.Error = res.Err.Error()
		}
		out.Tables = append(out.Tables, tr)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func sortedKeys(m map[string]checkpoint.Entry) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
