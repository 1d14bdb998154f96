// Package session keeps per-tool idle-activity bookkeeping.
//
// Entries do not affect proxying: upstream cookies travel through the
// browser on every request. The tracker only reports which tools are in use
// and bounds its own memory by sweeping idle entries on a fixed interval.
package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"toolgate/internal/metrics"
	"toolgate/internal/model"
)

// Tracker records the last activity time per tool.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]time.Time

	idle     time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTracker creates a Tracker that evicts entries idle for longer than idle,
// checking every interval. The metrics parameter is optional.
func NewTracker(idle, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		entries:  make(map[string]time.Time),
		idle:     idle,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "session_tracker"),
		metrics:  m,
	}
}

// Touch creates or refreshes the entry for toolID.
func (t *Tracker) Touch(toolID string) {
	t.mu.Lock()
	t.entries[toolID] = t.now()
	n := len(t.entries)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SessionsActive.Set(float64(n))
	}
}

// Sweep removes entries whose last activity is older than the idle threshold
// relative to now, and returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	removed := 0
	for id, last := range t.entries {
		if now.Sub(last) > t.idle {
			delete(t.entries, id)
			removed++
		}
	}
	n := len(t.entries)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SessionsActive.Set(float64(n))
		t.metrics.SessionsEvicted.Add(float64(removed))
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				t.logger.Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

// Len returns the number of tracked tools.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a snapshot ordered by tool ID.
func (t *Tracker) Entries() []model.SessionEntry {
	t.mu.Lock()
	out := make([]model.SessionEntry, 0, len(t.entries))
	for id, last := range t.entries {
		out = append(out, model.SessionEntry{ToolID: id, LastActivity: last})
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b model.SessionEntry) int {
		return strings.Compare(a.ToolID, b.ToolID)
	})
	return out
}
