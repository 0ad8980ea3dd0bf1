// Package usage records gateway validation attempts without holding up the
// response that triggered them.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calcdeck/keygate/internal/metrics"
	"github.com/calcdeck/keygate/internal/model"
)

// DefaultTimeout bounds a single sink write.
const DefaultTimeout = 5 * time.Second

// Sink persists usage log entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry *model.UsageLogEntry) error
}

// Logger writes usage entries to a Sink in the background. Write failures
// are logged and counted, never returned to the caller.
type Logger struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	wg sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

// WithTimeout sets the per-write timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMetrics records write results on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger over sink. A nil sink discards every entry.
func NewLogger(sink Sink, logger *slog.Logger, opts ...Option) *Logger {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		sink:    sink,
		timeout: DefaultTimeout,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record schedules entry for writing and returns immediately. ID and
// CreatedAt are filled in when empty.
func (l *Logger) Record(entry model.UsageLogEntry) {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		entry.ID = id.String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		// Detached from the request: the write outlives the response.
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()

		err := l.sink.Write(ctx, &entry)
		l.metrics.ObserveUsageWrite(l.sink.Name(), err)
		if err != nil {
			l.logger.Warn("usage log write failed",
				"sink", l.sink.Name(),
				"endpoint", entry.Endpoint,
				"status", entry.StatusCode,
				"error", err,
			)
		}
	}()
}

// Wait blocks until all scheduled writes have finished.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// Discard is a Sink that drops every entry.
type Discard struct{}

// Name implements Sink.
func (Discard) Name() string { return "none" }

// Write implements Sink.
func (Discard) Write(context.Context, *model.UsageLogEntry) error { return nil }
