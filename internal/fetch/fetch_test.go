package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AT020993/knesset-refactor-sub000/internal/breaker"
	"github.com/AT020993/knesset-refactor-sub000/internal/catalog"
	"github.com/AT020993/knesset-refactor-sub000/internal/checkpoint"
	"github.com/AT020993/knesset-refactor-sub000/internal/odata"
)

// testBreakerConfig keeps retries and backoff out of the way so tests
// exercise the fetch strategies, not the breaker.
func testBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 1000,
		RecoveryTimeout:  time.Minute,
		MaxRetries:       1,
		BackoffBase:      time.Millisecond,
	}
}

// memorySink collects appended cursor chunks per table.
type memorySink struct {
	mu        sync.Mutex
	rows      map[string][]odata.Record
	resets    int
	failAfter int // fail Append once this many rows are held; 0 = never
}

func newMemorySink() *memorySink {
	return &memorySink{rows: make(map[string][]odata.Record)}
}

func (m *memorySink) Reset(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, table)
	m.resets++
	return nil
}

func (m *memorySink) Append(ctx context.Context, table, pkField string, rows []odata.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter > 0 && len(m.rows[table]) >= m.failAfter {
		return errors.New("disk full")
	}
	m.rows[table] = append(m.rows[table], rows...)
	return nil
}

func (m *memorySink) stored(table string) []odata.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[table]
}

func newTestFetcher(t *testing.T, srvURL string, opts Options) (*Fetcher, *checkpoint.Store, *memorySink) {
	t.Helper()
	client, err := odata.NewClient(srvURL, 0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "resume.json"))
	store.Load()
	if opts.Breaker == (breaker.Config{}) {
		opts.Breaker = testBreakerConfig()
	}
	if opts.CursorCooldown == 0 {
		opts.CursorCooldown = time.Millisecond
	}
	chunks := newMemorySink()
	return New(client, breaker.NewRegistry(), store, chunks, opts), store, chunks
}

// writeRows writes an OData page of rows with sequential BillID values.
func writeRows(w http.ResponseWriter, first, count int) {
	var sb strings.Builder
	sb.WriteString(`{"value": [`)
	for i := 0; i < count; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"BillID": %d, "Name": "bill %d"}`, first+i, first+i)
	}
	sb.WriteString(`]}`)
	w.Write([]byte(sb.String()))
}

// filterKey extracts the last-seen key from "$filter=BillID gt N".
func filterKey(t *testing.T, r *http.Request) int {
	t.Helper()
	fields := strings.Fields(r.URL.Query().Get("$filter"))
	if len(fields) != 3 || fields[1] != "gt" {
		t.Fatalf("unexpected $filter %q", r.URL.Query().Get("$filter"))
	}
	key, err := strconv.Atoi(fields[2])
	if err != nil {
		t.Fatalf("unparseable $filter key: %v", err)
	}
	if key < 0 {
		key = 0 // fresh fetch starts below the first key
	}
	return key
}

func cursorTable() catalog.Table {
	return catalog.Table{Name: "KNS_Bill", PrimaryKey: "BillID", Cursor: true, ChunkSize: 100}
}

// cursorHandler serves a cursor table of total rows keyed by BillID.
func cursorHandler(t *testing.T, total int, requests *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		last := filterKey(t, r)
		top, _ := strconv.Atoi(r.URL.Query().Get("$top"))
		count := total - last
		if count > top {
			count = top
		}
		if count < 0 {
			count = 0
		}
		writeRows(w, last+1, count)
	}
}

func TestCursorFetch(t *testing.T) {
	const totalRows = 140
	var requests atomic.Int32

	srv := httptest.NewServer(cursorHandler(t, totalRows, &requests))
	defer srv.Close()

	f, store, chunks := newTestFetcher(t, srv.URL, Options{})

	var increments []int
	outcome, err := f.FetchTable(context.Background(), cursorTable(), func(table string, n int) {
		increments = append(increments, n)
	})
	if err != nil {
		t.Fatalf("FetchTable: %v", err)
	}

	if outcome.Total != totalRows {
		t.Fatalf("Total = %d, want %d", outcome.Total, totalRows)
	}
	stored := chunks.stored("KNS_Bill")
	if len(stored) != totalRows {
		t.Fatalf("sink holds %d rows, want %d", len(stored), totalRows)
	}
	if got := stored[totalRows-1]["BillID"].(float64); got != totalRows {
		t.Errorf("last primary key = %v, want %d", got, totalRows)
	}
	// A from-scratch fetch replaces the old snapshot.
	if chunks.resets != 1 {
		t.Errorf("Reset called %d times, want 1", chunks.resets)
	}
	// Pages of 100, 40, then the empty terminator.
	if requests.Load() != 3 {
		t.Errorf("issued %d requests, want 3", requests.Load())
	}
	if len(increments) != 2 || increments[0] != 100 || increments[1] != 40 {
		t.Errorf("progress increments = %v, want [100 40]", increments)
	}
	// Finished table: checkpoint entry cleared.
	if _, ok := store.Get("KNS_Bill"); ok {
		t.Error("checkpoint entry not cleared after table finished")
	}
}

func TestCursorFetch_ResumeFetchesOnlyTail(t *testing.T) {
	// 600-row table with a checkpoint at key 500: the resumed fetch must
	// not reset the sink and must append only rows past the checkpoint.
	var requests atomic.Int32
	srv := httptest.NewServer(cursorHandler(t, 600, &requests))
	defer srv.Close()

	f, store, chunks := newTestFetcher(t, srv.URL, Options{})
	if err := store.Save("KNS_Bill", 500, 500, 100); err != nil {
		t.Fatal(err)
	}

	outcome, err := f.FetchTable(context.Background(), cursorTable(), nil)
	if err != nil {
		t.Fatalf("FetchTable: %v", err)
	}

	if chunks.resets != 0 {
		t.Error("resumed fetch reset the sink, discarding stored rows")
	}
	stored := chunks.stored("KNS_Bill")
	if len(stored) != 100 {
		t.Fatalf("appended %d rows, want the 100 past the checkpoint", len(stored))
	}
	if got := stored[0]["BillID"].(float64); got != 501 {
		t.Errorf("first appended key = %v, want 501", got)
	}
	// Total counts the previously stored rows too.
	if outcome.Total != 600 {
		t.Errorf("Total = %d, want 600", outcome.Total)
	}
}

func TestCursorFetch_SavesCheckpointEveryChunk(t *testing.T) {
	// Serve one full chunk, then fail forever. The checkpoint must
	// already hold the first chunk's high-water mark.
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			writeRows(w, 1, 100)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, store, chunks := newTestFetcher(t, srv.URL, Options{MaxCursorAttempts: 2})

	_, err := f.FetchTable(context.Background(), cursorTable(), nil)
	if err == nil {
		t.Fatal("expected error once the attempt cap was hit")
	}

	entry, ok := store.Get("KNS_Bill")
	if !ok {
		t.Fatal("no checkpoint entry after a successful chunk")
	}
	if entry.LastPrimaryKey != 100 {
		t.Errorf("checkpoint LastPrimaryKey = %d, want 100", entry.LastPrimaryKey)
	}
	if entry.TotalRows != 100 {
		t.Errorf("checkpoint TotalRows = %d, want 100", entry.TotalRows)
	}
	// The checkpointed rows are durable in the sink.
	if got := len(chunks.stored("KNS_Bill")); got != 100 {
		t.Errorf("sink holds %d rows, want the 100 the checkpoint claims", got)
	}
}

func TestCursorFetch_AppendFailureKeepsCheckpoint(t *testing.T) {
	srv := httptest.NewServer(cursorHandler(t, 300, nil))
	defer srv.Close()

	f, store, chunks := newTestFetcher(t, srv.URL, Options{})
	chunks.failAfter = 100 // second chunk's append fails

	_, err := f.FetchTable(context.Background(), cursorTable(), nil)
	if err == nil {
		t.Fatal("expected error when a chunk cannot be made durable")
	}

	// The checkpoint never advances past what the sink holds.
	entry, ok := store.Get("KNS_Bill")
	if !ok {
		t.Fatal("no checkpoint entry for the durable first chunk")
	}
	if entry.LastPrimaryKey != 100 {
		t.Errorf("checkpoint LastPrimaryKey = %d, want 100", entry.LastPrimaryKey)
	}
	if got := len(chunks.stored("KNS_Bill")); got != 100 {
		t.Errorf("sink holds %d rows, want 100", got)
	}
}

func TestCursorFetch_RetriesTransientFailures(t *testing.T) {
	// Two failures on the first chunk, then success. Cursor mode keeps
	// retrying the same chunk at the cooldown interval.
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		last := filterKey(t, r)
		if last >= 50 {
			writeRows(w, 0, 0)
			return
		}
		writeRows(w, last+1, 50)
	}))
	defer srv.Close()

	f, _, chunks := newTestFetcher(t, srv.URL, Options{MaxCursorAttempts: 10})

	outcome, err := f.FetchTable(context.Background(), cursorTable(), nil)
	if err != nil {
		t.Fatalf("FetchTable: %v", err)
	}
	if outcome.Total != 50 {
		t.Errorf("Total = %d, want 50", outcome.Total)
	}
	if got := len(chunks.stored("KNS_Bill")); got != 50 {
		t.Errorf("sink holds %d rows, want 50", got)
	}
}

func TestCursorFetch_CorruptPrimaryKeyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": [{"BillID": "not-a-number"}]}`))
	}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, srv.URL, Options{MaxCursorAttempts: 3})

	_, err := f.FetchTable(context.Background(), cursorTable(), nil)
	if err == nil {
		t.Fatal("expected fatal error for non-integer primary key")
	}
	if !strings.Contains(err.Error(), "integer") {
		t.Errorf("error = %v, want mention of integer conversion", err)
	}
}

func skipTable() catalog.Table {
	return catalog.Table{Name: "KNS_Person", PrimaryKey: "PersonID"}
}

// skipHandler serves $count and $skip-paged rows for a table of total
// rows, with an optional per-page delay keyed by skip offset.
func skipHandler(total int, delays map[int]time.Duration, failSkips map[int]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$count") {
			fmt.Fprintf(w, "%d", total)
			return
		}
		q := r.URL.Query()
		top, _ := strconv.Atoi(q.Get("$top"))
		skip, _ := strconv.Atoi(q.Get("$skip"))

		if d, ok := delays[skip]; ok {
			time.Sleep(d)
		}
		if failSkips[skip] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		count := total - skip
		if count > top {
			count = top
		}
		if count < 0 {
			count = 0
		}
		writeRows(w, skip+1, count)
	}
}

func TestSkipFetch_ReassemblesInOrder(t *testing.T) {
	// 250 rows at page size 100 = 3 pages; the first page is slowest so
	// completion order is reversed.
	delays := map[int]time.Duration{0: 50 * time.Millisecond, 100: 20 * time.Millisecond}
	srv := httptest.NewServer(skipHandler(250, delays, nil))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, srv.URL, Options{PageSize: 100})

	outcome, err := f.FetchTable(context.Background(), skipTable(), nil)
	if err != nil {
		t.Fatalf("FetchTable: %v", err)
	}
	if len(outcome.Rows) != 250 {
		t.Fatalf("got %d rows, want 250", len(outcome.Rows))
	}
	if outcome.Total != 250 {
		t.Errorf("Total = %d, want 250", outcome.Total)
	}
	for i, row := range outcome.Rows {
		if got := int(row["BillID"].(float64)); got != i+1 {
			t.Fatalf("row %d has key %d: pages reassembled out of order", i, got)
		}
	}
	if outcome.FailedPages != nil {
		t.Errorf("FailedPages = %v, want none", outcome.FailedPages)
	}
}

func TestSkipFetch_RecordsGapForFailedPage(t *testing.T) {
	srv := httptest.NewServer(skipHandler(250, nil, map[int]bool{100: true}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, srv.URL, Options{PageSize: 100})

	outcome, err := f.FetchTable(context.Background(), skipTable(), nil)
	if err != nil {
		t.Fatalf("FetchTable: %v", err)
	}
	if len(outcome.FailedPages) != 1 || outcome.FailedPages[0] != 1 {
		t.Fatalf("FailedPages = %v, want [1]", outcome.FailedPages)
	}
	// Sibling pages are unaffected: pages 0 and 2 arrive intact.
	if len(outcome.Rows) != 150 {
		t.Errorf("got %d rows, want 150", len(outcome.Rows))
	}
}

func TestSkipFetch_CountFailureFallsBackToSequential(t *testing.T) {
	var pageRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$count") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		pageRequests.Add(1)
		q := r.URL.Query()
		top, _ := strconv.Atoi(q.Get("$top"))
		skip, _ := strconv.Atoi(q.Get("$skip"))
		count := 250 - skip
		if count > top {
			count = top
		}
		if count < 0 {
			count = 0
		}
		writeRows(w, skip+1, count)
	}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, srv.URL, Options{PageSize: 100})

	outcome, err := f.FetchTable(context.Background(), skipTable(), nil)
	if err != nil {
		t.Fatalf("FetchTable: %v", err)
	}
	if len(outcome.Rows) != 250 {
		t.Errorf("got %d rows, want 250", len(outcome.Rows))
	}
	// 100+100+50, then the empty terminator page.
	if pageRequests.Load() != 4 {
		t.Errorf("issued %d page requests, want 4", pageRequests.Load())
	}
}

func TestSequentialFetch_FailureReturnsAccumulated(t *testing.T) {
	var pageRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/$count") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if pageRequests.Add(1) >= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
		writeRows(w, skip+1, 100)
	}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, srv.URL, Options{PageSize: 100})

	outcome, err := f.FetchTable(context.Background(), skipTable(), nil)
	if err == nil {
		t.Fatal("expected error when a sequential page fails")
	}
	if len(outcome.Rows) != 200 {
		t.Errorf("accumulated %d rows before the failure, want 200", len(outcome.Rows))
	}
}

func TestCursorFetch_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last := filterKey(t, r)
		writeRows(w, last+1, 100)
		if last >= 200 {
			cancel() // cancel mid-download; next iteration must stop
		}
	}))
	defer srv.Close()

	f, store, chunks := newTestFetcher(t, srv.URL, Options{})

	_, err := f.FetchTable(ctx, cursorTable(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	// Progress up to the cancel point is durable, in both checkpoint
	// and sink, and they agree.
	entry, ok := store.Get("KNS_Bill")
	if !ok {
		t.Fatal("no checkpoint entry after cancellation")
	}
	if entry.LastPrimaryKey < 200 {
		t.Errorf("checkpoint LastPrimaryKey = %d, want >= 200", entry.LastPrimaryKey)
	}
	if got := int64(len(chunks.stored("KNS_Bill"))); got != entry.TotalRows {
		t.Errorf("sink holds %d rows, checkpoint claims %d", got, entry.TotalRows)
	}
}
