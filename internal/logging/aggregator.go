package logging

import (
	"log/slog"
	"sync"
	"time"
)

type summaryKey struct {
	component string
	event     string
}

// summary counts one noisy event between flushes.
type summary struct {
	count       int64
	first, last time.Time
	attrs       []slog.Attr // from the latest occurrence
}

// Aggregator folds high-frequency events (every shell heartbeat, a tmux
// server that keeps failing) into one event_summary record per component
// and event each interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[summaryKey]*summary

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs
// seconds. With a nil logger recorded events are discarded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		pending:  make(map[summaryKey]*summary),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic flush.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop ends the periodic flush and writes whatever is pending. Calling it
// again does nothing.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Record counts one occurrence of event.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	k := summaryKey{component: component, event: event}
	s := a.pending[k]
	if s == nil {
		s = &summary{first: now}
		a.pending[k] = s
	}
	s.count++
	s.last = now
	if len(attrs) > 0 {
		s.attrs = attrs
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	batch := a.pending
	if len(batch) > 0 {
		a.pending = make(map[summaryKey]*summary)
	}
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	for k, s := range batch {
		args := []any{
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", s.count),
			slog.Time("first_seen", s.first),
			slog.Time("last_seen", s.last),
		}
		for _, attr := range s.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}
