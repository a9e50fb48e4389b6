// Package dispatch coalesces subscription matches into batched push
// notifications. A burst of messages in an active group chat would otherwise
// generate one push per message per subscriber; batching within a short
// window bounds push volume under load while keeping perceived latency
// near-real-time.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/internal/search/notify"
	"github.com/truong965/zalo-clone-sub001/pkg/metrics"
)

type pairKey struct {
	connectionID string
	keyword      string
}

// entry is transient state living only inside the flush window. At most one
// entry is retained per (connection, keyword); later matches overwrite
// earlier ones (last-write-wins), trading completeness for throughput under
// bursty traffic. Notifications are therefore delivered in flush order, not
// necessarily event order.
type entry struct {
	userID string
	event  search.Event
}

// Dispatcher buffers matches and flushes them all at once on a single shared
// timer, armed lazily on the first queued entry.
type Dispatcher struct {
	notifier notify.Notifier
	window   time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	pending    map[pairKey]entry
	timerArmed bool
	timer      *time.Timer
	closed     bool
}

// New creates a Dispatcher flushing every window. metrics may be nil.
func New(notifier notify.Notifier, window time.Duration, m *metrics.Metrics) *Dispatcher {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Dispatcher{
		notifier: notifier,
		window:   window,
		metrics:  m,
		logger:   slog.Default().With("component", "batch-dispatcher"),
		pending:  make(map[pairKey]entry),
	}
}

// Queue appends one entry per matched connection, keyed by keyword, and arms
// the flush timer if it is not already running.
func (d *Dispatcher) Queue(event *search.Event, matched []search.MatchedSubscription) {
	if len(matched) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, m := range matched {
		d.pending[pairKey{connectionID: m.ConnectionID, keyword: m.Keyword}] = entry{
			userID: m.UserID,
			event:  *event,
		}
	}
	if !d.timerArmed {
		d.timerArmed = true
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

// flush swaps the buffer out under the lock, then emits one notification per
// (connection, keyword) pair carrying only the latest matching event.
func (d *Dispatcher) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[pairKey]entry)
	d.timerArmed = false
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	for key, e := range batch {
		d.notifier.NewMatch(ctx, key.connectionID, notify.NewMatch{
			Keyword: key.keyword,
			Event:   e.event,
		})
	}
	if d.metrics != nil {
		d.metrics.BatchFlushesTotal.Inc()
		d.metrics.BatchSize.Observe(float64(len(batch)))
	}
	d.logger.Debug("batch flushed", "notifications", len(batch))
}

// PendingLen returns the number of buffered (connection, keyword) pairs.
func (d *Dispatcher) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops the timer and flushes any pending buffer; queued matches are
// delivered, not dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.flush()
}
