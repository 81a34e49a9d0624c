package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Checkpointer persists the byte offset up to which durable-log records have
// been handed off to the queue. Replay from this offset re-runs the idempotent
// upsert, so delivery-to-queue (not persistence) is the recorded boundary.
type Checkpointer struct {
	path string
}

func NewCheckpointer(path string) *Checkpointer {
	return &Checkpointer{path: path}
}

// Load returns the stored offset, or 0 if the file is absent or unparseable.
func (c *Checkpointer) Load() int64 {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return 0
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// Save writes the offset atomically via temp file + rename.
func (c *Checkpointer) Save(offset int64) error {
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
