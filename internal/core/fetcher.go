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

	"golang.org/x/time/rate"

	"github.com/x-stp/ctingest/internal/buffer"
	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/ledger"
	"github.com/x-stp/ctingest/internal/metrics"
)

// EntryFetcher is the part of certlib.LogClient used by fetch workers.
type EntryFetcher interface {
	URL() string
	GetEntries(ctx context.Context, start, end uint64) ([]certlib.RawEntry, error)
}

// DropRecorder persists abandoned ranges.
type DropRecorder interface {
	Record(r ledger.DroppedRange) error
}

// FetchOptions configures fetch workers.
type FetchOptions struct {
	MaxRetries int           // Attempts per range, including the first
	RetryDelay time.Duration // Fixed delay between attempts
	RateLimit  float64       // Requests per second across all workers, 0 = unlimited
	RunID      string        // Stamped on every batch
}

// FetchWorker fetches claimed ranges into the buffer. One FetchWorker is shared by every
// fetch goroutine; Run is called once per claim.
type FetchWorker struct {
	client     EntryFetcher
	dispatcher *WorkDispatcher
	buf        buffer.Buffer
	counters   *Counters
	drops      DropRecorder
	limiter    *rate.Limiter
	opts       FetchOptions
	metrics    *metrics.Metrics
}

// NewFetchWorker wires a fetch worker. drops may be nil.
func NewFetchWorker(client EntryFetcher, d *WorkDispatcher, buf buffer.Buffer, counters *Counters, drops DropRecorder, opts FetchOptions) *FetchWorker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	w := &FetchWorker{
		client:     client,
		dispatcher: d,
		buf:        buf,
		counters:   counters,
		drops:      drops,
		opts:       opts,
		metrics:    metrics.GetMetrics(),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return w
}

// Run fetches the claimed range, pushes what it got as one batch and releases the claim.
// Logs may answer with fewer entries than asked, so the remainder is requested until the
// range is complete. Failed attempts count against MaxRetries; once it is spent the unfetched
// tail is recorded as dropped and never requeued.
//
// HTTP requests are not tied to ctx so a shutdown does not abort a request mid-flight; they
// carry the client timeout instead. Cancellation is observed between attempts.
func (w *FetchWorker) Run(ctx context.Context, claim Claim) error {
	defer w.dispatcher.ReleaseRange(claim.ID)

	logURL := w.client.URL()
	r := claim.Range
	next := r.Start
	entries := make([]certlib.RawEntry, 0, r.Len())
	failures := 0
	var lastErr error
	interrupted := false

fetch:
	for next < r.End {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				interrupted = true
				break
			}
		}

		done := metrics.MeasureDuration(w.metrics.FetchDuration, logURL, "get-entries")
		got, err := w.client.GetEntries(context.WithoutCancel(ctx), next, r.End)
		done()
		w.metrics.RecordFetch(logURL, "get-entries", fetchStatus(err))
		if err == nil {
			entries = append(entries, got...)
			next += uint64(len(got))
			continue
		}

		lastErr = classifyFetchError(err)
		failures++
		if failures >= w.opts.MaxRetries || !IsRetryable(lastErr) {
			break
		}
		w.counters.Retries.Add(1)
		w.metrics.RecordRetry(logURL)
		log.Printf("Retrying %s [%d, %d) (attempt %d/%d): %v", logURL, next, r.End, failures+1, w.opts.MaxRetries, err)

		timer := time.NewTimer(w.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			interrupted = true
			break fetch
		case <-timer.C:
		}
	}

	if len(entries) > 0 {
		batch := &certlib.Batch{LogURL: logURL, Start: r.Start, RunID: w.opts.RunID, Entries: entries}
		if err := w.buf.Put(ctx, batch); err != nil {
			return wrapRange(logURL, r, fmt.Errorf("discarded %d fetched entries: %w", len(entries), err))
		}
		w.counters.TotalFetched.Add(uint64(len(entries)))
		w.metrics.RecordFetched(logURL, len(entries))
	}

	if next >= r.End {
		return nil
	}
	tail := IndexRange{Start: next, End: r.End}
	if interrupted || errors.Is(lastErr, context.Canceled) {
		return wrapRange(logURL, tail, ErrWorkerShutdown)
	}

	log.Printf("Abandoning %s %s after %d failed attempts: %v", logURL, tail, failures, lastErr)
	w.counters.DroppedRanges.Add(1)
	w.counters.DroppedEntries.Add(tail.Len())
	w.metrics.RecordDropped(logURL, tail.Len())
	if w.drops != nil {
		reason := "retries exhausted"
		if lastErr != nil {
			reason = fmt.Sprintf("retries exhausted: %v", lastErr)
		}
		err := w.drops.Record(ledger.DroppedRange{LogURL: logURL, Start: tail.Start, End: tail.End, Reason: reason})
		if err != nil {
			log.Printf("Failed to record dropped range %s %s: %v", logURL, tail, err)
		}
	}
	return wrapRange(logURL, tail, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr))
}
