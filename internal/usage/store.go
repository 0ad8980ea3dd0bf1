package usage

import (
	"context"

	"github.com/calcdeck/keygate/internal/model"
)

// EntryWriter is implemented by *config.Store.
type EntryWriter interface {
	InsertUsageLog(ctx context.Context, entry *model.UsageLogEntry) error
}

// StoreSink writes entries to the api_key_usage_logs table.
type StoreSink struct {
	w EntryWriter
}

// NewStoreSink wraps w as a Sink.
func NewStoreSink(w EntryWriter) *StoreSink {
	return &StoreSink{w: w}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "store" }

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, entry *model.UsageLogEntry) error {
	return s.w.InsertUsageLog(ctx, entry)
}
