package core

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/x-stp/ctingest/internal/buffer"
	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/metrics"
	"github.com/x-stp/ctingest/internal/sink"
)

// LoadOptions configures load workers.
type LoadOptions struct {
	SinkName   string
	MaxRetries int // Retries of a failed batch write after the first attempt
	RetryDelay time.Duration
	// RunID marks batches fetched by this process. Their entries are also counted in OwnProcessed.
	RunID string
}

// LoadWorker moves batches from the buffer into one sink, one bulk write per batch.
type LoadWorker struct {
	ID       int
	buf      buffer.Buffer
	sink     sink.Sink
	counters *Counters
	opts     LoadOptions
	metrics  *metrics.Metrics
}

func NewLoadWorker(id int, buf buffer.Buffer, s sink.Sink, counters *Counters, opts LoadOptions) *LoadWorker {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &LoadWorker{
		ID:       id,
		buf:      buf,
		sink:     s,
		counters: counters,
		opts:     opts,
		metrics:  metrics.GetMetrics(),
	}
}

// decodeReason maps a decode error to its counter label.
func decodeReason(err error) string {
	switch {
	case errors.Is(err, certlib.ErrUnsupportedEntryType):
		return DecodeReasonUnsupported
	case errors.Is(err, certlib.ErrExtract):
		return DecodeReasonExtract
	default:
		return DecodeReasonDecode
	}
}

// DecodeBatch decodes every entry of b. Entry i gets the log index b.Start+i.
// Entries that fail to decode are left out and returned as errors.
func DecodeBatch(b *certlib.Batch) ([]*certlib.CertificateRecord, []error) {
	records := make([]*certlib.CertificateRecord, 0, len(b.Entries))
	var failures []error
	for i, raw := range b.Entries {
		raw.Index = b.Start + uint64(i)
		rec, err := certlib.Decode(raw)
		if err != nil {
			failures = append(failures, fmt.Errorf("entry %d: %w", raw.Index, err))
			continue
		}
		records = append(records, rec)
	}
	return records, failures
}

// Run dequeues batches until the buffer is closed and drained or ctx is cancelled.
// It returns an error only when a batch could not be written.
func (w *LoadWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := w.buf.Get(ctx)
		if err != nil {
			if errors.Is(err, buffer.ErrBufferClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load worker %d: %w", w.ID, err)
		}
		if err := w.process(ctx, batch); err != nil {
			return err
		}
	}
}

func (w *LoadWorker) process(ctx context.Context, batch *certlib.Batch) error {
	records, failures := DecodeBatch(batch)
	for _, err := range failures {
		w.counters.DecodeFailures.Add(1)
		w.metrics.RecordDecodeFailure(decodeReason(err))
	}
	if len(failures) > 0 {
		log.Printf("Skipped %d of %d entries in batch %d of %s, first error: %v",
			len(failures), batch.Len(), batch.Start, batch.LogURL, failures[0])
	}

	if len(records) > 0 {
		if err := w.write(ctx, records); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load worker %d, batch %d of %s: %w", w.ID, batch.Start, batch.LogURL, err)
		}
	}

	w.counters.TotalProcessed.Add(uint64(batch.Len()))
	if w.opts.RunID != "" && batch.RunID == w.opts.RunID {
		w.counters.OwnProcessed.Add(uint64(batch.Len()))
	}
	w.counters.RowsWritten.Add(uint64(len(records)))
	w.counters.BatchesLoaded.Add(1)
	w.metrics.RecordBatchLoaded(w.opts.SinkName, batch.Len(), len(records))
	return nil
}

func (w *LoadWorker) write(ctx context.Context, records []*certlib.CertificateRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("Load worker %d retrying write of %d rows (retry %d/%d): %v",
				w.ID, len(records), attempt, w.opts.MaxRetries, lastErr)
			timer := time.NewTimer(w.opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		done := metrics.MeasureDuration(w.metrics.SinkWriteDuration, w.opts.SinkName)
		err := w.sink.WriteBatch(ctx, records)
		done()
		if err == nil {
			return nil
		}
		lastErr = err
		w.metrics.RecordSinkError(w.opts.SinkName)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSinkFailed, w.opts.MaxRetries+1, lastErr)
}
