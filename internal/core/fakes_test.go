package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/x-stp/ctingest/internal/buffer"
	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/ledger"
	"github.com/x-stp/ctingest/internal/sink"
)

var errFake = errors.New("fake failure")

// fakeLog serves synthetic entries. fail decides per call whether the call fails;
// maxPerCall caps the entries returned by one call.
type fakeLog struct {
	mu         sync.Mutex
	calls      int
	requests   []IndexRange
	maxPerCall int
	fail       func(call int, start, end uint64) error
}

func (f *fakeLog) URL() string { return "https://fake.example/log/" }

func (f *fakeLog) GetEntries(_ context.Context, start, end uint64) ([]certlib.RawEntry, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, IndexRange{Start: start, End: end})
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(call, start, end); err != nil {
			return nil, err
		}
	}
	if f.maxPerCall > 0 && end-start > uint64(f.maxPerCall) {
		end = start + uint64(f.maxPerCall)
	}
	out := make([]certlib.RawEntry, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, certlib.RawEntry{Index: i, LeafInput: fmt.Sprintf("leaf-%d", i), ExtraData: "extra"})
	}
	return out, nil
}

func (f *fakeLog) GetSTH(context.Context) (*certlib.SignedTreeHead, error) {
	return &certlib.SignedTreeHead{TreeSize: 1 << 20}, nil
}

func (f *fakeLog) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// sharedBuffer stands in for a broker topic: it is not a *buffer.Memory, so the pipeline
// cannot close it to drain, and it may already hold batches from other runs.
type sharedBuffer struct {
	*buffer.Memory
}

type fakeDrops struct {
	mu     sync.Mutex
	ranges []ledger.DroppedRange
}

func (f *fakeDrops) Record(r ledger.DroppedRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, r)
	return nil
}

func (f *fakeDrops) Ranges() []ledger.DroppedRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.DroppedRange(nil), f.ranges...)
}

// memStore is a sink.Store keeping rows in memory. The first failWrites writes fail;
// a negative value fails every write.
type memStore struct {
	mu         sync.Mutex
	rows       map[uint32]*certlib.CertificateRecord
	writes     int
	failWrites int
	recreated  bool
	ensured    bool
	sinks      []*memSink
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uint32]*certlib.CertificateRecord)}
}

func (s *memStore) Name() string { return "memory" }

func (s *memStore) Recreate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recreated = true
	s.rows = make(map[uint32]*certlib.CertificateRecord)
	return nil
}

func (s *memStore) Ensure(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = true
	return nil
}

func (s *memStore) NewSink(context.Context, int) (sink.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := &memSink{store: s}
	s.sinks = append(s.sinks, ms)
	return ms, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Rows() map[uint32]*certlib.CertificateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]*certlib.CertificateRecord, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out
}

func (s *memStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type memSink struct {
	store  *memStore
	closed atomic.Bool
}

func (m *memSink) WriteBatch(_ context.Context, records []*certlib.CertificateRecord) error {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrites < 0 || s.writes <= s.failWrites {
		return errFake
	}
	for _, r := range records {
		s.rows[r.CertIndex] = r
	}
	return nil
}

func (m *memSink) Close() error {
	m.closed.Store(true)
	return nil
}

// ctServer is an httptest CT log over entries. failStart makes get-entries starting at that
// index answer 500.
type ctServer struct {
	*httptest.Server
	entries    []certlib.RawEntry
	failStart  map[uint64]bool
	getEntries atomic.Int64
}

func newCTServer(t *testing.T, entries []certlib.RawEntry, failStart ...uint64) *ctServer {
	t.Helper()
	s := &ctServer{entries: entries, failStart: make(map[uint64]bool)}
	for _, f := range failStart {
		s.failStart[f] = true
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-sth", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"tree_size":%d,"timestamp":1700000000000}`, len(s.entries))
	})
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		s.getEntries.Add(1)
		start, err1 := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
		end, err2 := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
		if err1 != nil || err2 != nil || end < start {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if s.failStart[start] {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if end >= uint64(len(s.entries)) {
			end = uint64(len(s.entries)) - 1
		}
		type jsonEntry struct {
			LeafInput string `json:"leaf_input"`
			ExtraData string `json:"extra_data"`
		}
		var resp struct {
			Entries []jsonEntry `json:"entries"`
		}
		for i := start; i <= end && i < uint64(len(s.entries)); i++ {
			resp.Entries = append(resp.Entries, jsonEntry{s.entries[i].LeafInput, s.entries[i].ExtraData})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *ctServer) client() *certlib.LogClient {
	return certlib.NewLogClient(s.URL, s.Client())
}
