// Package progress renders a terminal progress bar for a refresh run.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/AT020993/knesset-refactor-sub000/internal/logging"
)

// Tracker tracks downloaded rows across all tables of a run. The row
// total is usually unknown up front (cursor tables have no cheap count),
// so the bar runs in spinner mode unless SetTotal is called.
type Tracker struct {
	bar       *progressbar.ProgressBar
	current   atomic.Int64
	startTime time.Time

	mu           sync.Mutex
	activeTables map[string]int
}

// New creates a tracker in spinner mode.
func New() *Tracker {
	t := &Tracker{
		startTime:    time.Now(),
		activeTables: make(map[string]int),
	}
	t.bar = newBar(-1)
	return t
}

// SetTotal switches the bar from spinner to a bounded bar.
func (t *Tracker) SetTotal(total int64) {
	t.bar = newBar(total)
	t.bar.Add64(t.current.Load())
}

func newBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the row counter. Safe for concurrent page workers.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// StartTable marks a table as actively downloading.
func (t *Tracker) StartTable(table string) {
	t.mu.Lock()
	t.activeTables[table]++
	count := len(t.activeTables)
	t.mu.Unlock()

	if t.bar != nil {
		if count == 1 {
			t.bar.Describe(fmt.Sprintf("Downloading %s", table))
		} else {
			t.bar.Describe(fmt.Sprintf("Downloading (%d tables)", count))
		}
		t.bar.RenderBlank()
	}
}

// EndTable marks a table as done.
func (t *Tracker) EndTable(table string) {
	t.mu.Lock()
	t.activeTables[table]--
	if t.activeTables[table] <= 0 {
		delete(t.activeTables, table)
	}
	count := len(t.activeTables)
	var remaining string
	for name := range t.activeTables {
		remaining = name
		break
	}
	t.mu.Unlock()

	if t.bar != nil && count > 0 {
		if count == 1 {
			t.bar.Describe(fmt.Sprintf("Downloading %s", remaining))
		} else {
			t.bar.Describe(fmt.Sprintf("Downloading (%d tables)", count))
		}
	}
}

// Current returns the rows downloaded so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish completes the bar and logs the run summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Println()
	logging.Info("Download complete: %d rows in %s (%.0f rows/sec)",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}
