package checkout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/scmmirror/internal/clock"
)

// Progress is a snapshot of the fetch step.
type Progress struct {
	Completed int
	Total     int
	Percent   float64
	LastPath  string
}

// ProgressSink receives progress snapshots. Report is called from fetch workers and
// must not block for long.
type ProgressSink interface {
	Report(Progress)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Progress)

func (f SinkFunc) Report(p Progress) { f(p) }

// ChannelSink publishes snapshots on a buffered channel. When the consumer falls behind,
// new snapshots are dropped except the final one, which replaces the oldest queued snapshot.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Progress
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan Progress, buffer)}
}

// C returns the channel snapshots are delivered on. It is closed by Close.
func (s *ChannelSink) C() <-chan Progress {
	return s.ch
}

func (s *ChannelSink) Report(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- p:
		return
	default:
	}

	if p.Completed < p.Total {
		return
	}
	// make room for the completion snapshot
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- p:
	default:
	}
}

func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// progressTracker counts completed paths and reports at most once per interval,
// plus once when every path is done.
type progressTracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	interval  time.Duration
	sink      ProgressSink
	total     int
	completed int
	seen      map[string]struct{}
	lastEmit  time.Time
}

func newProgressTracker(total int, interval time.Duration, sink ProgressSink, clk clock.Clock) *progressTracker {
	clk = clock.OrReal(clk)
	return &progressTracker{
		clock:    clk,
		interval: interval,
		sink:     sink,
		total:    total,
		seen:     make(map[string]struct{}, total),
		lastEmit: clk.Now(),
	}
}

// done marks path complete. Repeated notifications for the same path are ignored.
func (t *progressTracker) done(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[path]; ok {
		return
	}
	t.seen[path] = struct{}{}
	t.completed++

	now := t.clock.Now()
	if t.completed < t.total && now.Sub(t.lastEmit) < t.interval {
		return
	}
	t.lastEmit = now

	p := Progress{
		Completed: t.completed,
		Total:     t.total,
		Percent:   percent(t.completed, t.total),
		LastPath:  path,
	}
	slog.Info("checkout progress", "completed", p.Completed, "total", p.Total, "pct", int(p.Percent), "path", p.LastPath)
	if t.sink != nil {
		t.sink.Report(p)
	}
}

func percent(completed, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(completed) * 100 / float64(total)
}
