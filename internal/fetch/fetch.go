// Package fetch implements the paginated download strategies: sequential
// cursor chunks for the large append-mostly tables, concurrent skip/top
// pages for the rest, and a one-page-at-a-time fallback when the count
// endpoint is unavailable.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/AT020993/knesset-refactor-sub000/internal/breaker"
	"github.com/AT020993/knesset-refactor-sub000/internal/catalog"
	"github.com/AT020993/knesset-refactor-sub000/internal/checkpoint"
	"github.com/AT020993/knesset-refactor-sub000/internal/faults"
	"github.com/AT020993/knesset-refactor-sub000/internal/logging"
	"github.com/AT020993/knesset-refactor-sub000/internal/odata"
)

// Defaults for the skip-mode concurrency limiter and the cursor-mode
// cooldown between retries of a failed chunk.
const (
	DefaultConcurrency    = 8
	DefaultCursorCooldown = 5 * time.Second
)

// ProgressFunc receives the table name and the number of rows in the
// increment after every page or chunk. It must be cheap and non-blocking;
// callers that render UI marshal to their own loop.
type ProgressFunc func(table string, rowsIncrement int)

// CursorSink receives cursor-mode chunks as they arrive. A chunk must
// be durable before the checkpoint advances past it, otherwise a
// resumed run would skip rows that were never stored.
type CursorSink interface {
	Reset(ctx context.Context, table string) error
	Append(ctx context.Context, table, pkField string, rows []odata.Record) error
}

// Outcome is the result of one table fetch. Skip-mode rows are returned
// in Rows for the caller to store; cursor-mode rows go straight to the
// sink and only the count is reported.
type Outcome struct {
	Rows        []odata.Record
	Total       int64
	FailedPages []int
}

// pageResult is one concurrent page fetch. Ordering is restored by index,
// not arrival order.
type pageResult struct {
	index int
	rows  []odata.Record
	err   error
}

// Options tunes a Fetcher. Zero values select the defaults.
type Options struct {
	PageSize       int            // skip-mode rows per page
	Concurrency    int            // max in-flight skip-mode page requests
	CursorCooldown time.Duration  // wait between retries of a failed cursor chunk
	// MaxCursorAttempts bounds consecutive failed attempts on a single
	// cursor chunk. Zero means retry forever, which is the production
	// behavior: cursor tables are expected to eventually succeed because
	// the service is expected to recover. Tests set a small bound.
	MaxCursorAttempts int
	Breaker           breaker.Config
}

// Fetcher downloads tables through the per-endpoint circuit breaker and
// records cursor progress in the resume store.
type Fetcher struct {
	client   *odata.Client
	breakers *breaker.Registry
	resume   *checkpoint.Store
	chunks   CursorSink
	opts     Options
}

// New creates a fetcher. registry, resume, and chunks are shared with
// the rest of the process; opts zero values are filled with defaults.
func New(client *odata.Client, registry *breaker.Registry, resume *checkpoint.Store, chunks CursorSink, opts Options) *Fetcher {
	if opts.PageSize <= 0 {
		opts.PageSize = catalog.DefaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CursorCooldown <= 0 {
		opts.CursorCooldown = DefaultCursorCooldown
	}
	if opts.Breaker == (breaker.Config{}) {
		opts.Breaker = breaker.DefaultConfig()
	}
	return &Fetcher{
		client:   client,
		breakers: registry,
		resume:   resume,
		chunks:   chunks,
		opts:     opts,
	}
}

// FetchTable downloads one table using the strategy its catalog entry
// selects. onProgress may be nil.
func (f *Fetcher) FetchTable(ctx context.Context, t catalog.Table, onProgress ProgressFunc) (*Outcome, error) {
	if onProgress == nil {
		onProgress = func(string, int) {}
	}
	if t.Cursor {
		return f.fetchCursor(ctx, t, onProgress)
	}
	return f.fetchSkip(ctx, t, onProgress)
}

// fetchCursor walks the table by primary key, one chunk at a time.
// Each chunk's request depends on the previous chunk's last key, so this
// loop is strictly sequential. Every chunk is appended to the sink
/// before the checkpoint advances past it: the checkpoint must never
// claim rows the sink does not hold, or a resumed run would skip them.
// The loop ends only on an empty page, data corruption of the key
// field, or cancellation.
func (f *Fetcher) fetchCursor(ctx context.Context, t catalog.Table, onProgress ProgressFunc) (*Outcome, error) {
	br, err := f.breakers.ForEndpoint(f.client.Endpoint(), f.opts.Breaker)
	if err != nil {
		return nil, err
	}

	lastKey := checkpoint.NoKey
	var totalRows int64
	if entry, ok := f.resume.Get(t.Name); ok {
		lastKey = entry.LastPrimaryKey
		totalRows = entry.TotalRows
		logging.Info("%s: resuming from %s > %d (%d rows already stored)", t.Name, t.PrimaryKey, lastKey, totalRows)
	} else if err := f.chunks.Reset(ctx, t.Name); err != nil {
		return nil, fmt.Errorf("%s: resetting table: %w", t.Name, err)
	}

	outcome := &Outcome{Total: totalRows}
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		chunkURL := f.client.CursorURL(t.Name, t.PrimaryKey, lastKey, t.ChunkSize)
		page, err := breaker.Do(ctx, br, func(ctx context.Context) ([]odata.Record, error) {
			return f.client.FetchPage(ctx, chunkURL)
		})
		if err != nil {
			if ctx.Err() != nil {
				return outcome, ctx.Err()
			}
			attempts++
			if f.opts.MaxCursorAttempts > 0 && attempts >= f.opts.MaxCursorAttempts {
				return outcome, fmt.Errorf("%s: chunk after %s=%d: %w", t.Name, t.PrimaryKey, lastKey, err)
			}
			logging.Warn("%s: chunk after %s=%d failed (%s), retrying in %s: %v",
				t.Name, t.PrimaryKey, lastKey, faults.Classify(err), f.opts.CursorCooldown, err)
			if err := sleepCtx(ctx, f.opts.CursorCooldown); err != nil {
				return outcome, err
			}
			continue
		}
		attempts = 0

		if len(page) == 0 {
			break
		}

		newKey, err := primaryKeyValue(page[len(page)-1], t.PrimaryKey)
		if err != nil {
			// The cursor cannot advance past a corrupt key; this is
			// fatal for the table, not retryable.
			return outcome, fmt.Errorf("%s: %w", t.Name, err)
		}

		if err := f.chunks.Append(ctx, t.Name, t.PrimaryKey, page); err != nil {
			// The chunk is not durable, so the checkpoint stays put.
			return outcome, fmt.Errorf("%s: appending chunk: %w", t.Name, err)
		}
		totalRows += int64(len(page))
		lastKey = newKey
		outcome.Total = totalRows

		if err := f.resume.Save(t.Name, lastKey, totalRows, t.ChunkSize); err != nil {
			logging.Warn("%s: saving checkpoint: %v", t.Name, err)
		}
		onProgress(t.Name, len(page))
	}

	if err := f.resume.Clear(t.Name); err != nil {
		logging.Warn("%s: clearing checkpoint: %v", t.Name, err)
	}
	return outcome, nil
}

// fetchSkip fetches the record count, then downloads all pages
// concurrently under the permit pool. A page that fails after the
// breaker's retries is recorded as a gap rather than aborting the table.
// If the count endpoint fails, the table falls back to sequential mode.
func (f *Fetcher) fetchSkip(ctx context.Context, t catalog.Table, onProgress ProgressFunc) (*Outcome, error) {
	br, err := f.breakers.ForEndpoint(f.client.Endpoint(), f.opts.Breaker)
	if err != nil {
		return nil, err
	}

	total, err := breaker.Do(ctx, br, func(ctx context.Context) (int64, error) {
		return f.client.Count(ctx, t.Name)
	})
	if err != nil {
		if ctx.Err() != nil {
			return &Outcome{}, ctx.Err()
		}
		logging.Warn("%s: count unavailable (%v), falling back to sequential fetch", t.Name, err)
		return f.fetchSequential(ctx, t, br, onProgress)
	}

	pageSize := f.opts.PageSize
	numPages := int(math.Ceil(float64(total) / float64(pageSize)))
	if numPages == 0 {
		return &Outcome{}, nil
	}
	logging.Info("%s: %d rows in %d pages", t.Name, total, numPages)

	results := make([]pageResult, numPages)
	sem := make(chan struct{}, f.opts.Concurrency)
	var wg sync.WaitGroup

	issued := 0
	for i := 0; i < numPages; i++ {
		// Stop issuing new pages promptly on cancellation; in-flight
		// requests finish or time out on their own.
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		issued++
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-sem }()

			pageURL := f.client.SkipURL(t.Name, pageSize, index*pageSize)
			rows, err := breaker.Do(ctx, br, func(ctx context.Context) ([]odata.Record, error) {
				return f.client.FetchPage(ctx, pageURL)
			})
			results[index] = pageResult{index: index, rows: rows, err: err}
			if err == nil {
				onProgress(t.Name, len(rows))
			}
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return &Outcome{}, err
	}

	// Reassemble in page-index order; arrival order is irrelevant.
	outcome := &Outcome{}
	for i := 0; i < issued; i++ {
		r := results[i]
		if r.err != nil {
			logging.Error("%s: page %d failed permanently: %v", t.Name, r.index, r.err)
			outcome.FailedPages = append(outcome.FailedPages, r.index)
			continue
		}
		outcome.Rows = append(outcome.Rows, r.rows...)
	}
	outcome.Total = int64(len(outcome.Rows))
	return outcome, nil
}

// fetchSequential is the fallback when no count is available: one page
// at a time, stopping at the first empty page. Unlike cursor mode it
// does not retry a failed page beyond the breaker's budget: a failure
// ends the fetch and returns what was accumulated.
func (f *Fetcher) fetchSequential(ctx context.Context, t catalog.Table, br *breaker.Breaker, onProgress ProgressFunc) (*Outcome, error) {
	outcome := &Outcome{}
	pageSize := f.opts.PageSize
	skip := 0

	for {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		pageURL := f.client.SkipURL(t.Name, pageSize, skip)
		page, err := breaker.Do(ctx, br, func(ctx context.Context) ([]odata.Record, error) {
			return f.client.FetchPage(ctx, pageURL)
		})
		if err != nil {
			return outcome, fmt.Errorf("%s: page at skip=%d: %w", t.Name, skip, err)
		}
		if len(page) == 0 {
			return outcome, nil
		}

		outcome.Rows = append(outcome.Rows, page...)
		outcome.Total = int64(len(outcome.Rows))
		onProgress(t.Name, len(page))
		skip += pageSize
	}
}

// primaryKeyValue extracts the integer primary key from a record.
// JSON numbers arrive as float64; anything not exactly representable as
// an integer is data corruption.
func primaryKeyValue(rec odata.Record, field string) (int64, error) {
	v, ok := rec[field]
	if !ok {
		return 0, fmt.Errorf("record has no %s field", field)
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s value %v is not an integer", field, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s value %v is not an integer: %w", field, n, err)
		}
		return i, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s value %v (%T) is not integer-convertible", field, v, v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
