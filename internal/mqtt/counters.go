package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/tether/internal/events"
)

// DailyRuns counts agent runs and tool calls since local midnight. It
// is safe for concurrent use.
type DailyRuns struct {
	mu        sync.Mutex
	runs      int64
	failed    int64
	toolCalls int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// RunCounts is the JSON payload published to the stats topic.
type RunCounts struct {
	Runs      int64 `json:"runs"`
	Failed    int64 `json:"failed"`
	ToolCalls int64 `json:"tool_calls"`
}

// NewDailyRuns creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyRuns(loc *time.Location) *DailyRuns {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyRuns{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe updates the counters from a bus event. It reports whether
// the event changed them.
func (d *DailyRuns) Observe(e events.Event) bool {
	if e.Source != events.SourceAgent {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindRequestComplete:
		d.runs++
		if ok, _ := e.Data["success"].(bool); !ok {
			d.failed++
		}
		return true
	case events.KindToolDone:
		d.toolCalls++
		return true
	}
	return false
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyRuns) Snapshot() RunCounts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return RunCounts{Runs: d.runs, Failed: d.failed, ToolCalls: d.toolCalls}
}

// maybeReset must be called with d.mu held.
func (d *DailyRuns) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.runs = 0
		d.failed = 0
		d.toolCalls = 0
		d.resetDay = today
	}
}
