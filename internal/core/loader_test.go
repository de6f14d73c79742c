package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/x-stp/ctingest/internal/buffer"
	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/certlib/certtest"
)

func TestDecodeBatchUsesBatchIndices(t *testing.T) {
	t.Parallel()
	entries := certtest.Entries(t, 0, 4)
	entries[2].LeafInput = "not base64!"
	b := &certlib.Batch{Start: 7000, Entries: entries}

	records, failures := DecodeBatch(b)
	if len(records) != 3 || len(failures) != 1 {
		t.Fatalf("got %d records and %d failures", len(records), len(failures))
	}
	want := []uint32{7000, 7001, 7003}
	for i, r := range records {
		if r.CertIndex != want[i] {
			t.Errorf("record %d CertIndex = %d, want %d", i, r.CertIndex, want[i])
		}
	}
	if !errors.Is(failures[0], certlib.ErrDecode) {
		t.Errorf("failure %v does not wrap ErrDecode", failures[0])
	}
}

func TestDecodeReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("entry 1: %w", certlib.ErrUnsupportedEntryType), DecodeReasonUnsupported},
		{certlib.ErrExtract, DecodeReasonExtract},
		{certlib.ErrDecode, DecodeReasonDecode},
	}
	for _, tc := range tests {
		if got := decodeReason(tc.err); got != tc.want {
			t.Errorf("decodeReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestLoadWorkerCountsRawEntries(t *testing.T) {
	t.Parallel()
	buf := buffer.NewMemory(4)
	entries := certtest.Entries(t, 0, 5)
	entries[1].ExtraData = "%%%"
	ctx := context.Background()
	if err := buf.Put(ctx, &certlib.Batch{Start: 0, Entries: entries}); err != nil {
		t.Fatal(err)
	}
	if err := buf.Put(ctx, &certlib.Batch{Start: 5, Entries: certtest.Entries(t, 5, 2)}); err != nil {
		t.Fatal(err)
	}
	buf.Close()

	store := newMemStore()
	s, _ := store.NewSink(ctx, 0)
	counters := NewCounters()
	w := NewLoadWorker(0, buf, s, counters, LoadOptions{SinkName: "memory"})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if counters.TotalProcessed.Load() != 7 {
		t.Errorf("TotalProcessed = %d, want 7", counters.TotalProcessed.Load())
	}
	if counters.RowsWritten.Load() != 6 || counters.DecodeFailures.Load() != 1 {
		t.Errorf("RowsWritten = %d, DecodeFailures = %d", counters.RowsWritten.Load(), counters.DecodeFailures.Load())
	}
	if store.Writes() != 2 {
		t.Errorf("sink writes = %d, want one per batch", store.Writes())
	}
	if _, ok := store.Rows()[1]; ok {
		t.Error("undecodable entry was written")
	}
}

func TestLoadWorkerCountsOwnBatches(t *testing.T) {
	t.Parallel()
	buf := buffer.NewMemory(4)
	ctx := context.Background()
	_ = buf.Put(ctx, &certlib.Batch{Start: 0, RunID: "other", Entries: certtest.Entries(t, 0, 3)})
	_ = buf.Put(ctx, &certlib.Batch{Start: 3, RunID: "mine", Entries: certtest.Entries(t, 3, 2)})
	_ = buf.Put(ctx, &certlib.Batch{Start: 5, Entries: certtest.Entries(t, 5, 1)})
	buf.Close()

	store := newMemStore()
	s, _ := store.NewSink(ctx, 0)
	counters := NewCounters()
	w := NewLoadWorker(0, buf, s, counters, LoadOptions{SinkName: "memory", RunID: "mine"})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counters.TotalProcessed.Load() != 6 {
		t.Errorf("TotalProcessed = %d, want 6", counters.TotalProcessed.Load())
	}
	if counters.OwnProcessed.Load() != 2 {
		t.Errorf("OwnProcessed = %d, want 2", counters.OwnProcessed.Load())
	}
}

func TestLoadWorkerRetriesSinkWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	buf := buffer.NewMemory(1)
	_ = buf.Put(ctx, &certlib.Batch{Start: 0, Entries: certtest.Entries(t, 0, 2)})
	buf.Close()

	store := newMemStore()
	store.failWrites = 2
	s, _ := store.NewSink(ctx, 0)
	counters := NewCounters()
	w := NewLoadWorker(0, buf, s, counters, LoadOptions{SinkName: "memory", MaxRetries: 2, RetryDelay: time.Millisecond})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.Writes() != 3 || len(store.Rows()) != 2 {
		t.Errorf("writes = %d, rows = %d", store.Writes(), len(store.Rows()))
	}
}

func TestLoadWorkerSinkExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	buf := buffer.NewMemory(1)
	_ = buf.Put(ctx, &certlib.Batch{Start: 0, Entries: certtest.Entries(t, 0, 2)})

	store := newMemStore()
	store.failWrites = -1
	s, _ := store.NewSink(ctx, 0)
	counters := NewCounters()
	w := NewLoadWorker(0, buf, s, counters, LoadOptions{SinkName: "memory", MaxRetries: 1, RetryDelay: time.Millisecond})
	err := w.Run(ctx)
	if !errors.Is(err, ErrSinkFailed) {
		t.Fatalf("Run() error = %v, want ErrSinkFailed", err)
	}
	if store.Writes() != 2 {
		t.Errorf("writes = %d, want 2", store.Writes())
	}
	if counters.TotalProcessed.Load() != 0 {
		t.Errorf("TotalProcessed advanced on a failed batch")
	}
}

func TestLoadWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	store := newMemStore()
	s, _ := store.NewSink(ctx, 0)
	w := NewLoadWorker(0, buffer.NewMemory(1), s, NewCounters(), LoadOptions{})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("load worker did not stop")
	}
}

func TestLoadPoolRecoversPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	buf := buffer.NewMemory(1)
	_ = buf.Put(ctx, &certlib.Batch{Start: 0, Entries: certtest.Entries(t, 0, 1)})
	buf.Close()

	w := NewLoadWorker(3, buf, panicSink{}, NewCounters(), LoadOptions{})
	err := NewLoadPool([]*LoadWorker{w}, false).Run(ctx)
	if err == nil {
		t.Fatal("expected an error from the panicking worker")
	}
}

type panicSink struct{}

func (panicSink) WriteBatch(context.Context, []*certlib.CertificateRecord) error { panic("boom") }
func (panicSink) Close() error                                                  { return nil }
