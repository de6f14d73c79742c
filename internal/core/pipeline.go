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
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/x-stp/ctingest/internal/buffer"
	"github.com/x-stp/ctingest/internal/config"
	"github.com/x-stp/ctingest/internal/sink"
)

// Mode selects which halves of the pipeline run in this process.
type Mode string

const (
	ModeRun     Mode = "run"     // fetch and load
	ModeProduce Mode = "produce" // fetch into the buffer only
	ModeConsume Mode = "consume" // load from the buffer only, until interrupted
)

func (m Mode) fetches() bool { return m == ModeRun || m == ModeProduce }
func (m Mode) loads() bool   { return m == ModeRun || m == ModeConsume }

// LogSource is the CT log client used by the fetch side.
type LogSource interface {
	EntryFetcher
	STHGetter
}

// Options wires a Pipeline. The caller owns and closes Buffer, Store and Drops.
type Options struct {
	Mode   Mode
	Config *config.Config
	Client LogSource    // Required when fetching
	Buffer buffer.Buffer
	Store  sink.Store   // Required when loading
	Drops  DropRecorder // Optional
	// Recreate drops and recreates the output table before loading; otherwise it is created
	// only when missing.
	Recreate bool
	// Status receives the periodic status print and the final summary. Nil disables both.
	Status io.Writer
}

// Outcome is the result of a run.
type Outcome struct {
	Mode        Mode
	Range       IndexRange
	Unclaimed   uint64 // First index never handed to a fetcher
	Counters    CounterSnapshot
	Interrupted bool
	Err         error
}

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch {
	case o.Err != nil:
		return ExitFailed
	case o.Interrupted:
		return ExitInterrupted
	case o.Counters.DroppedRanges > 0:
		return ExitDropped
	default:
		return ExitOK
	}
}

// Pipeline connects the supervisor, the buffer and the load pool.
type Pipeline struct {
	opts     Options
	cfg      *config.Config
	counters *Counters
	runID    string
}

// NewPipeline checks that opts carries what the mode needs.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: missing config")
	}
	if opts.Buffer == nil {
		return nil, errors.New("pipeline: missing buffer")
	}
	switch opts.Mode {
	case ModeRun, ModeProduce, ModeConsume:
	default:
		return nil, fmt.Errorf("pipeline: unknown mode %q", opts.Mode)
	}
	if opts.Mode.fetches() && opts.Client == nil {
		return nil, errors.New("pipeline: missing log client")
	}
	if opts.Mode.loads() && opts.Store == nil {
		return nil, errors.New("pipeline: missing sink store")
	}
	return &Pipeline{opts: opts, cfg: opts.Config, counters: NewCounters(), runID: uuid.NewString()}, nil
}

// Counters exposes the live counters.
func (p *Pipeline) Counters() *Counters { return p.counters }

// Run executes the pipeline until the range is fetched and loaded, the run fails, or ctx is
// cancelled. In consume mode only cancellation ends it.
func (p *Pipeline) Run(ctx context.Context) Outcome {
	out := Outcome{Mode: p.opts.Mode}
	err := p.run(ctx, &out)
	out.Counters = p.counters.Snapshot()
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrSinkFailed) {
		err = nil
	}
	out.Err = err
	out.Interrupted = ctx.Err() != nil
	if p.opts.Status != nil {
		PrintSummary(p.opts.Status, out)
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, out *Outcome) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var dispatcher *WorkDispatcher
	if p.opts.Mode.fetches() {
		r, err := p.resolveRange(runCtx)
		if err != nil {
			return err
		}
		out.Range = r
		dispatcher = NewWorkDispatcher(r.Start, r.End)
		defer func() { out.Unclaimed = dispatcher.Cursor() }()
		log.Printf("Fetching %s %s (%d entries) in batches of %d", p.opts.Client.URL(), r, r.Len(), p.cfg.Fetch.BatchSize)
	}

	var pool *LoadPool
	var sinks []sink.Sink
	if p.opts.Mode.loads() {
		var err error
		pool, sinks, err = p.buildLoadPool(runCtx)
		defer func() {
			for _, s := range sinks {
				if err := s.Close(); err != nil {
					log.Printf("Failed to close %s sink: %v", p.opts.Store.Name(), err)
				}
			}
		}()
		if err != nil {
			return err
		}
	}

	if p.opts.Status != nil {
		statusCtx, stopStatus := context.WithCancel(runCtx)
		statusDone := make(chan struct{})
		go func() {
			defer close(statusDone)
			p.statusLoop(statusCtx, p.opts.Status)
		}()
		defer func() {
			stopStatus()
			<-statusDone
		}()
	}

	loadCtx, cancelLoad := context.WithCancel(runCtx)
	defer cancelLoad()
	poolDone := make(chan error, 1)
	if pool != nil {
		go func() {
			err := pool.Run(loadCtx)
			if err != nil {
				cancelRun()
			}
			poolDone <- err
		}()
	} else {
		close(poolDone)
	}

	if dispatcher == nil {
		return <-poolDone
	}

	fetcher := NewFetchWorker(p.opts.Client, dispatcher, p.opts.Buffer, p.counters, p.opts.Drops, FetchOptions{
		MaxRetries: p.cfg.Fetch.MaxRetries,
		RetryDelay: p.cfg.Fetch.RetryDelay,
		RateLimit:  p.cfg.Fetch.RateLimit,
		RunID:      p.runID,
	})
	supervisor := NewStreamSupervisor(dispatcher, fetcher, SupervisorOptions{
		BatchSize:   p.cfg.Fetch.BatchSize,
		BaseDelay:   p.cfg.Fetch.BaseDelay,
		StaggerCoef: p.cfg.Fetch.StaggerCoef,
	})
	supErr := supervisor.Run(runCtx)

	if pool == nil {
		return supErr
	}
	if supErr == nil {
		if finished, err := p.drain(runCtx, poolDone); finished {
			return err
		}
	}
	cancelLoad()
	return <-poolDone
}

// resolveRange returns the configured range, asking the log for its tree size when no end is set.
func (p *Pipeline) resolveRange(ctx context.Context) (IndexRange, error) {
	start, end := p.cfg.Log.StartIndex, p.cfg.Log.EndIndex
	if end == 0 {
		size, err := ResolveEnd(ctx, p.opts.Client, STHRetries, STHRetryDelay)
		if err != nil {
			return IndexRange{}, err
		}
		log.Printf("Resolved end index of %s to tree size %d", p.opts.Client.URL(), size)
		end = size
	}
	if end < start {
		end = start
	}
	return IndexRange{Start: start, End: end}, nil
}

func (p *Pipeline) buildLoadPool(ctx context.Context) (*LoadPool, []sink.Sink, error) {
	store := p.opts.Store
	if p.opts.Recreate {
		log.Printf("Recreating %s table %q", store.Name(), p.cfg.Sink.Table)
		if err := store.Recreate(ctx); err != nil {
			return nil, nil, err
		}
	} else if err := store.Ensure(ctx); err != nil {
		return nil, nil, err
	}

	n := p.cfg.Load.Workers
	sinks := make([]sink.Sink, 0, n)
	workers := make([]*LoadWorker, 0, n)
	for i := 0; i < n; i++ {
		s, err := store.NewSink(ctx, i)
		if err != nil {
			return nil, sinks, err
		}
		sinks = append(sinks, s)
		workers = append(workers, NewLoadWorker(i, p.opts.Buffer, s, p.counters, LoadOptions{
			SinkName:   store.Name(),
			MaxRetries: p.cfg.Sink.MaxRetries,
			RetryDelay: p.cfg.Sink.RetryDelay,
			RunID:      p.runID,
		}))
	}
	log.Printf("Started %d load workers writing to %s", n, store.Name())
	return NewLoadPool(workers, p.cfg.Load.PinCPUs), sinks, nil
}

// drain waits for the load side to consume everything that was fetched. An in-memory buffer is
// closed so loaders exit once it is empty. Other buffers may hold batches from other runs, so
// they are polled until the entries loaded from this run's batches match the entries fetched.
// It reports true when the pool already returned, along with the pool's error.
func (p *Pipeline) drain(ctx context.Context, poolDone <-chan error) (bool, error) {
	if mem, ok := p.opts.Buffer.(*buffer.Memory); ok {
		mem.Close()
		return true, <-poolDone
	}
	ticker := time.NewTicker(DrainPollInterval)
	defer ticker.Stop()
	for p.counters.OwnProcessed.Load() < p.counters.TotalFetched.Load() {
		select {
		case <-ctx.Done():
			return false, nil
		case err := <-poolDone:
			return true, err
		case <-ticker.C:
		}
	}
	return false, nil
}
