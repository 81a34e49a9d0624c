package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wagate/pkg/dtos"
)

// DeadLetterLog is the append-only file of permanently failed records.
type DeadLetterLog struct {
	mu sync.Mutex
	f  *os.File
}

func OpenDeadLetterLog(path string) (*DeadLetterLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter log: %w", err)
	}
	return &DeadLetterLog{f: f}, nil
}

// Append records the failed record together with its diagnostic error.
func (d *DeadLetterLog) Append(record dtos.IngestRecord, cause error) error {
	entry := dtos.DeadLetter{
		IngestRecord:   record,
		Error:          cause.Error(),
		DeadLetteredAt: time.Now().UnixMilli(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Write(line); err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return d.f.Sync()
}

func (d *DeadLetterLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
