package editlog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Sink durably stores records in txid order
type Sink interface {
	Write(ctx context.Context, records []*Record) error
	ReadAll(ctx context.Context) ([]*Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Log assigns transaction ids to committed mutations and ships them to a
// sink. Append is called while the namesystem lock is held; Sync is
// called after it is released.
type Log struct {
	mu       sync.Mutex
	pending  []*Record
	lastTxID int64

	syncMu     sync.Mutex
	syncedTxID int64

	sink   Sink
	logger *zap.Logger
}

// NewLog creates a log whose next txid is lastTxID+1
func NewLog(sink Sink, lastTxID int64, logger *zap.Logger) *Log {
	return &Log{
		sink:       sink,
		lastTxID:   lastTxID,
		syncedTxID: lastTxID,
		logger:     logger,
	}
}

// Append stamps r with the next txid and buffers it
func (l *Log) Append(r *Record) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastTxID++
	r.TxID = l.lastTxID
	l.pending = append(l.pending, r)
	return r.TxID
}

// Sync writes every buffered record to the sink. Batches reach the sink
// in txid order. On failure the batch is put back for the next Sync.
func (l *Log) Sync(ctx context.Context) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := l.sink.Write(ctx, batch); err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		l.logger.Error("Failed to sync edit log",
			zap.Int64("first_txid", batch[0].TxID),
			zap.Int("records", len(batch)),
			zap.Error(err))
		return fmt.Errorf("failed to sync edit log: %w", err)
	}
	l.syncedTxID = batch[len(batch)-1].TxID
	return nil
}

// LastTxID returns the last assigned txid
func (l *Log) LastTxID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTxID
}

// SyncedTxID returns the last txid known to be durable
func (l *Log) SyncedTxID() int64 {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	return l.syncedTxID
}

// Sink returns the underlying sink
func (l *Log) Sink() Sink {
	return l.sink
}

// MemorySink keeps encoded records in memory
type MemorySink struct {
	mu      sync.Mutex
	records [][]byte
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(ctx context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records = append(s.records, Encode(r))
	}
	return nil
}

func (s *MemorySink) ReadAll(ctx context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, b := range s.records {
		r, err := Decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemorySink) Ping(ctx context.Context) error { return nil }

func (s *MemorySink) Close() error { return nil }

// Len returns the number of stored records
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
