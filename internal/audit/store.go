package audit

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/model"
)

// Writer is the persistence capability used by StoreSink. store.Store
// satisfies it.
type Writer interface {
	InsertAuditRecords(ctx context.Context, records []model.AuditRecord) error
}

// DefaultFlushSize is the buffer length that triggers a write.
const DefaultFlushSize = 100

// StoreSink buffers records and writes them in bulk.
type StoreSink struct {
	w         Writer
	flushSize int

	mu  sync.Mutex
	buf []model.AuditRecord
}

// NewStoreSink creates a buffered sink. flushSize <= 0 uses DefaultFlushSize.
func NewStoreSink(w Writer, flushSize int) *StoreSink {
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	return &StoreSink{w: w, flushSize: flushSize}
}

func (s *StoreSink) Record(ctx context.Context, r model.AuditRecord) {
	s.mu.Lock()
	s.buf = append(s.buf, r)
	full := len(s.buf) >= s.flushSize
	s.mu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			zap.L().Warn("audit: flush failed", zap.Error(err))
		}
	}
}

// Flush writes all buffered records. Records are dropped from the buffer
// only after a successful write.
func (s *StoreSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.w.InsertAuditRecords(ctx, s.buf); err != nil {
		return eris.Wrapf(err, "audit: write %d records", len(s.buf))
	}
	s.buf = s.buf[:0]
	return nil
}

// Pending returns the number of buffered records.
func (s *StoreSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
