// Package orchestrator drives a refresh run: it resolves the requested
// tables against the catalog, downloads each one through the fetcher,
// and hands the finished tables to the sink.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AT020993/knesset-refactor-sub000/internal/breaker"
	"github.com/AT020993/knesset-refactor-sub000/internal/catalog"
	"github.com/AT020993/knesset-refactor-sub000/internal/checkpoint"
	"github.com/AT020993/knesset-refactor-sub000/internal/config"
	"github.com/AT020993/knesset-refactor-sub000/internal/fetch"
	"github.com/AT020993/knesset-refactor-sub000/internal/logging"
	"github.com/AT020993/knesset-refactor-sub000/internal/odata"
	"github.com/AT020993/knesset-refactor-sub000/internal/progress"
	"github.com/AT020993/knesset-refactor-sub000/internal/sink"
)

// Storage is the sink surface the orchestrator needs. The fetcher
// shares it as its fetch.CursorSink, so cursor chunks are durable
// before their checkpoint advances.
type Storage interface {
	Store(ctx context.Context, table string, rows []odata.Record) error
	Reset(ctx context.Context, table string) error
	Append(ctx context.Context, table, pkField string, rows []odata.Record) error
	BeginRun(id string, tables int) error
	CompleteRun(id, status string) error
	Close() error
}

// Result is the outcome for one table in a run.
type Result struct {
	Table       string
	Rows        int
	FailedPages []int
	Duration    time.Duration
	Err         error
}

// Report summarizes a whole run.
type Report struct {
	RunID    string
	Results  []Result
	Duration time.Duration
}

// Failed returns the results that ended in an error.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// TotalRows returns the rows stored across all tables.
func (r *Report) TotalRows() int64 {
	var n int64
	for _, res := range r.Results {
		n += int64(res.Rows)
	}
	return n
}

// Orchestrator owns the wired pipeline for one process.
type Orchestrator struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	fetcher  *fetch.Fetcher
	resume   *checkpoint.Store
	storage  Storage
	breakers *breaker.Registry
}

// New wires an orchestrator from configuration.
func New(cfg *config.Config) (*Orchestrator, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	client, err := odata.NewClient(cfg.Service.URL, cfg.ServiceTimeout())
	if err != nil {
		return nil, err
	}

	resume := checkpoint.NewStore(filepath.Join(cfg.Storage.DataDir, "resume.json"))
	resume.Load()

	storage, err := sink.New(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	registry := breaker.NewRegistry()
	fetcher := fetch.New(client, registry, resume, storage, cfg.FetchOptions())

	if logging.IsDebug() {
		logging.Debug("config: %+v", cfg.Sanitized())
	}

	return &Orchestrator{
		cfg:      cfg,
		catalog:  cat,
		fetcher:  fetcher,
		resume:   resume,
		storage:  storage,
		breakers: registry,
	}, nil
}

// Close releases the sink.
func (o *Orchestrator) Close() {
	if err := o.storage.Close(); err != nil {
		logging.Warn("closing storage: %v", err)
	}
}

// Refresh downloads and stores the named tables, or every catalog table
// when names is empty. Unknown names reject the whole batch before any
// network traffic. A failing table is reported and skipped; the rest of
// the batch still runs. tracker may be nil.
func (o *Orchestrator) Refresh(ctx context.Context, names []string, tracker *progress.Tracker) (*Report, error) {
	if len(names) == 0 {
		names = o.catalog.Names()
	} else if unknown := o.catalog.Unknown(names); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown tables: %s", strings.Join(unknown, ", "))
	}

	runID := uuid.New().String()[:8]
	start := time.Now()
	logging.Info("Starting refresh run %s: %d tables from %s", runID, len(names), o.cfg.Service.URL)

	if err := o.storage.BeginRun(runID, len(names)); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	report := &Report{RunID: runID}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			o.completeRun(runID, "canceled")
			report.Duration = time.Since(start)
			return report, err
		}

		table, _ := o.catalog.Lookup(name)
		res := o.refreshTable(ctx, table, tracker)
		report.Results = append(report.Results, res)

		if res.Err != nil {
			if ctx.Err() != nil {
				o.completeRun(runID, "canceled")
				report.Duration = time.Since(start)
				return report, ctx.Err()
			}
			logging.Error("%s: %v", name, res.Err)
			continue
		}
		logging.Info("%s: stored %d rows in %s", name, res.Rows, res.Duration.Round(time.Millisecond))
	}
	report.Duration = time.Since(start)

	status := "success"
	if len(report.Failed()) > 0 {
		status = "partial"
		if len(report.Failed()) == len(report.Results) {
			status = "failed"
		}
	}
	o.completeRun(runID, status)

	o.logSummary(report, status)
	return report, nil
}

func (o *Orchestrator) completeRun(runID, status string) {
	if err := o.storage.CompleteRun(runID, status); err != nil {
		logging.Warn("recording run %s as %s: %v", runID, status, err)
	}
}

func (o *Orchestrator) refreshTable(ctx context.Context, t catalog.Table, tracker *progress.Tracker) Result {
	start := time.Now()
	res := Result{Table: t.Name}

	if tracker != nil {
		tracker.StartTable(t.Name)
		defer tracker.EndTable(t.Name)
	}

	onProgress := func(table string, n int) {
		if tracker != nil {
			tracker.Add(int64(n))
		}
	}

	outcome, err := o.fetcher.FetchTable(ctx, t, onProgress)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	// Cursor chunks were appended to the sink as they arrived; only
	// skip-mode tables still need storing.
	if !t.Cursor {
		if err := o.storage.Store(ctx, t.Name, outcome.Rows); err != nil {
			res.Err = fmt.Errorf("storing %s: %w", t.Name, err)
			res.Duration = time.Since(start)
			return res
		}
	}

	res.Rows = int(outcome.Total)
	res.FailedPages = outcome.FailedPages
	res.Duration = time.Since(start)
	if len(outcome.FailedPages) > 0 {
		logging.Warn("%s: stored with %d missing pages", t.Name, len(outcome.FailedPages))
	}
	return res
}

func (o *Orchestrator) logSummary(report *Report, status string) {
	failed := report.Failed()
	logging.Info("Run %s %s: %d/%d tables, %d rows in %s",
		report.RunID, status, len(report.Results)-len(failed), len(report.Results),
		report.TotalRows(), report.Duration.Round(time.Second))

	for endpoint, stats := range o.breakers.Snapshot() {
		logging.Debug("breaker %s: state=%s calls=%d failed=%d avg=%s",
			endpoint, stats.State, stats.SuccessfulCalls+stats.FailedCalls,
			stats.FailedCalls, stats.AvgResponseTime.Round(time.Millisecond))
	}
}

// ResumeInfo returns the saved cursor checkpoints.
func (o *Orchestrator) ResumeInfo() map[string]checkpoint.Entry {
	return o.resume.Load()
}

// ClearResume removes checkpoints for the named tables, or all of them
// when names is empty.
func (o *Orchestrator) ClearResume(names []string) error {
	if len(names) == 0 {
		for name := range o.resume.Load() {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if err := o.resume.Clear(name); err != nil {
			return err
		}
	}
	return nil
}

// CatalogNames returns the configured table names in sorted order.
func (o *Orchestrator) CatalogNames() []string {
	return o.catalog.Names()
}

// CatalogTable looks up one catalog entry.
func (o *Orchestrator) CatalogTable(name string) (catalog.Table, bool) {
	return o.catalog.Lookup(name)
}

// StoredTables lists the tables present in the sink.
func (o *Orchestrator) StoredTables() ([]sink.TableInfo, error) {
	s, ok := o.storage.(*sink.SQLite)
	if !ok {
		return nil, nil
	}
	return s.Tables()
}
