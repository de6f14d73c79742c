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
	"sync"
	"time"

	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/metrics"
)

// PacingDelay is the supervisor's sleep between spawns: base plus coef per in-flight claim.
func PacingDelay(base time.Duration, inFlight int, coef time.Duration) time.Duration {
	if inFlight < 0 {
		inFlight = 0
	}
	return base + time.Duration(inFlight)*coef
}

// SupervisorOptions tunes the spawn loop.
type SupervisorOptions struct {
	BatchSize   int
	BaseDelay   time.Duration
	StaggerCoef time.Duration
}

// StreamSupervisor claims ranges and starts one fetch goroutine per claim, slowing down as
// claims pile up. A full buffer keeps fetchers in flight longer, which raises the delay.
type StreamSupervisor struct {
	dispatcher *WorkDispatcher
	fetcher    *FetchWorker
	opts       SupervisorOptions
	metrics    *metrics.Metrics
}

func NewStreamSupervisor(d *WorkDispatcher, f *FetchWorker, opts SupervisorOptions) *StreamSupervisor {
	return &StreamSupervisor{
		dispatcher: d,
		fetcher:    f,
		opts:       opts,
		metrics:    metrics.GetMetrics(),
	}
}

// Run spawns fetch workers until every range is claimed and released. On cancellation it stops
// spawning and waits for the workers it started. It returns ctx.Err() when cancelled.
func (s *StreamSupervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for !s.dispatcher.Done() {
		if ctx.Err() != nil {
			break
		}
		if !s.dispatcher.Exhausted() {
			if claim, ok := s.dispatcher.ClaimRange(s.opts.BatchSize); ok {
				wg.Add(1)
				go func(c Claim) {
					defer wg.Done()
					s.report(s.fetcher.Run(ctx, c))
				}(claim)
			}
		}

		inFlight := s.dispatcher.InFlight()
		s.metrics.SetInFlight(inFlight)
		timer := time.NewTimer(PacingDelay(s.opts.BaseDelay, inFlight, s.opts.StaggerCoef))
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	wg.Wait()
	s.metrics.SetInFlight(0)
	return ctx.Err()
}

// fetchEndMessage describes how a fetch goroutine ended, or returns "" when there is nothing to
// add. Exhausted ranges are logged and recorded by the worker itself.
func fetchEndMessage(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrRetriesExhausted):
		return ""
	case errors.Is(err, ErrWorkerShutdown):
		return fmt.Sprintf("Left unfetched on shutdown: %v", err)
	default:
		return fmt.Sprintf("Fetch worker stopped: %v", err)
	}
}

func (s *StreamSupervisor) report(err error) {
	if msg := fetchEndMessage(err); msg != "" {
		log.Print(msg)
	}
}

// STHGetter is the part of certlib.LogClient used to resolve the end index.
type STHGetter interface {
	URL() string
	GetSTH(ctx context.Context) (*certlib.SignedTreeHead, error)
}

// ResolveEnd returns the tree size of the log, retrying get-sth up to attempts times.
func ResolveEnd(ctx context.Context, client STHGetter, attempts int, delay time.Duration) (uint64, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sth, err := client.GetSTH(ctx)
		if err == nil {
			return sth.TreeSize, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		log.Printf("get-sth for %s failed (attempt %d/%d): %v", client.URL(), attempt, attempts, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	return 0, fmt.Errorf("failed to get tree size of %s: %w", client.URL(), lastErr)
}
