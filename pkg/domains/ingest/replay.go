package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/wagate/pkg/dtos"
)

const (
	checkpointEvery  = 1000
	enqueuePollEvery = 50 * time.Millisecond
	eofPollEvery     = 200 * time.Millisecond
	idleSleep        = 300 * time.Millisecond
)

// replayLoop tails the durable log from the delivery offset and is the
// authoritative path from durable storage to the workers. Records the direct
// producer path already handed off are skipped via the shared offset.
func (s *service) replayLoop(ctx context.Context) {
	defer close(s.done)
	logger := s.logger.With().Str("component", "ingest.replay").Logger()

	offset := s.deliveredOffset()

	var f *os.File
	var reader *bufio.Reader
	reposition := func(target int64) bool {
		if f == nil {
			handle, err := s.log.ReadFrom(target)
			if err != nil {
				logger.Error().Err(err).Msg("failed to open log for replay")
				return false
			}
			f = handle
			reader = bufio.NewReader(f)
			return true
		}
		if _, err := f.Seek(target, io.SeekStart); err != nil {
			logger.Error().Err(err).Msg("failed to seek replay handle")
			return false
		}
		reader.Reset(f)
		return true
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for !reposition(offset) {
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}

	enqueues := 0
	saveCheckpoint := func(off int64) {
		if err := s.cp.Save(off); err != nil {
			logger.Error().Err(err).Msg("failed to save checkpoint")
			return
		}
		s.metrics.SetCheckpoint(off)
	}

	for {
		select {
		case <-ctx.Done():
			saveCheckpoint(s.deliveredOffset())
			return
		default:
		}

		// Fold in direct-path progress made while we slept.
		if delivered := s.deliveredOffset(); delivered > offset {
			offset = delivered
			if !reposition(offset) {
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			// EOF, or a partial tail line not yet terminated; either way the
			// offset stays put and we poll for growth.
			saveCheckpoint(s.deliveredOffset())
			if !sleepCtx(ctx, eofPollEvery) {
				return
			}
			if s.log.Size() <= offset {
				if !sleepCtx(ctx, idleSleep) {
					return
				}
			}
			if !reposition(offset) {
				if !sleepCtx(ctx, time.Second) {
					return
				}
			}
			continue
		}

		lineLen := int64(len(line))

		var record dtos.IngestRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			s.metrics.IncReplayParseError()
			logger.Error().Int64("offset", offset).Err(err).
				Msg("skipping unparseable log line")
			offset = s.markDelivered(offset + lineLen)
			saveCheckpoint(offset)
			continue
		}

		delivered := false
		for !delivered {
			s.deliveryMu.Lock()
			if s.delivered > offset {
				// The direct path delivered this record while we held it.
				offset = s.delivered
				s.deliveryMu.Unlock()
				if !reposition(offset) {
					if !sleepCtx(ctx, time.Second) {
						return
					}
				}
				break
			}
			if s.queue.TryEnqueue(record) {
				s.delivered = offset + lineLen
				offset = s.delivered
				s.metrics.IncEnqueued()
				delivered = true
			}
			s.deliveryMu.Unlock()

			if !delivered {
				if !sleepCtx(ctx, enqueuePollEvery) {
					saveCheckpoint(s.deliveredOffset())
					return
				}
			}
		}
		if !delivered {
			continue
		}

		enqueues++
		if enqueues%checkpointEvery == 0 {
			saveCheckpoint(offset)
		}
	}
}

// markDelivered advances the shared delivery offset to at least end and
// returns the current value.
func (s *service) markDelivered(end int64) int64 {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	if s.delivered < end {
		s.delivered = end
	}
	return s.delivered
}

// sleepCtx sleeps for d, returning false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
