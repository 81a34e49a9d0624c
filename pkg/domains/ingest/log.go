package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/wagate/pkg/dtos"
)

// DurableLog is the append-only JSON-lines file that anchors at-least-once
// delivery. Append fsyncs before returning; acceptance is reported to the
// producer only after the fsync succeeds.
type DurableLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
	size int64
}

func OpenDurableLog(path string) (*DurableLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open durable log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat durable log: %w", err)
	}
	return &DurableLog{f: f, path: path, size: stat.Size()}, nil
}

// Append writes the record as one JSON line and fsyncs. It returns the byte
// range [start, end) the line occupies in the log.
func (l *DurableLog) Append(record dtos.IngestRecord) (start, end int64, err error) {
	line, err := json.Marshal(record)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	start = l.size
	n, err := l.f.Write(line)
	if err != nil {
		// A short write leaves a partial line at the tail; the replay parser
		// discards it without advancing past it.
		l.size += int64(n)
		return 0, 0, fmt.Errorf("append record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.size += int64(n)
		return 0, 0, fmt.Errorf("fsync log: %w", err)
	}
	l.size += int64(n)
	return start, l.size, nil
}

// Size returns the current byte length of the log.
func (l *DurableLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	stat, err := l.f.Stat()
	if err != nil {
		return l.size
	}
	l.size = stat.Size()
	return l.size
}

// ReadFrom opens an independent seekable reader positioned at the byte
// offset. The caller owns the returned handle.
func (l *DurableLog) ReadFrom(offset int64) (*os.File, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open log for replay: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek log to %d: %w", offset, err)
	}
	return f, nil
}

func (l *DurableLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
