package editlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FileSinkConfig holds segment file settings
type FileSinkConfig struct {
	Dir         string
	SegmentSize int64
	SyncWrites  bool
}

// FileSink writes length-prefixed records into rotating segment files
// named after the first txid they hold.
type FileSink struct {
	cfg         FileSinkConfig
	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	logger      *zap.Logger
}

// NewFileSink creates the segment directory if needed
func NewFileSink(cfg FileSinkConfig, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create edit log directory: %w", err)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}
	return &FileSink{cfg: cfg, logger: logger}, nil
}

func (s *FileSink) segmentPath(firstTxID int64) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("edits-%020d.log", firstTxID))
}

// openSegment closes the current segment and starts a new one
func (s *FileSink) openSegment(firstTxID int64) error {
	if s.currentFile != nil {
		s.currentFile.Close()
	}
	path := s.segmentPath(firstTxID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open edit log segment: %w", err)
	}
	s.currentFile = file
	s.currentSize = 0
	s.logger.Info("Opened new edit log segment", zap.String("path", path))
	return nil
}

func (s *FileSink) Write(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil || s.currentSize >= s.cfg.SegmentSize {
		if err := s.openSegment(records[0].TxID); err != nil {
			return err
		}
	}

	var buf []byte
	for _, r := range records {
		buf = Frame(buf, r)
	}
	n, err := s.currentFile.Write(buf)
	s.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write edit log: %w", err)
	}
	if s.cfg.SyncWrites {
		if err := s.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync edit log: %w", err)
		}
	}
	return nil
}

// ReadAll reads every segment in txid order. A torn record at the end of
// a segment ends that segment.
func (s *FileSink) ReadAll(ctx context.Context) ([]*Record, error) {
	files, err := filepath.Glob(filepath.Join(s.cfg.Dir, "edits-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list edit log segments: %w", err)
	}
	sort.Strings(files)

	var out []*Record
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read edit log segment %s: %w", path, err)
		}
		for len(data) > 0 {
			r, n, err := Unframe(data)
			if err != nil {
				s.logger.Warn("Stopping at unreadable edit log record",
					zap.String("file", path),
					zap.Error(err))
				break
			}
			out = append(out, r)
			data = data[n:]
		}
	}
	return out, nil
}

func (s *FileSink) Ping(ctx context.Context) error {
	_, err := os.Stat(s.cfg.Dir)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}
