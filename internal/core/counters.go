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
	"sync/atomic"
	"time"
)

// Counters are the pipeline totals shared by fetch and load workers.
type Counters struct {
	TotalFetched   atomic.Uint64 // Entries pushed into the buffer
	TotalProcessed atomic.Uint64 // Raw entries consumed by load workers, decodable or not
	OwnProcessed   atomic.Uint64 // Part of TotalProcessed fetched by this run
	RowsWritten    atomic.Uint64
	DecodeFailures atomic.Uint64
	DroppedRanges  atomic.Uint64
	DroppedEntries atomic.Uint64
	Retries        atomic.Uint64
	BatchesLoaded  atomic.Uint64

	startTime time.Time
}

// NewCounters returns zeroed counters with the clock started.
func NewCounters() *Counters {
	return &Counters{startTime: time.Now()}
}

// Elapsed returns the time since the counters were created.
func (c *Counters) Elapsed() time.Duration { return time.Since(c.startTime) }

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Elapsed        time.Duration
	TotalFetched   uint64
	TotalProcessed uint64
	RowsWritten    uint64
	DecodeFailures uint64
	DroppedRanges  uint64
	DroppedEntries uint64
	Retries        uint64
	BatchesLoaded  uint64
}

// Snapshot reads every counter. Fields are loaded one at a time, so the copy is not atomic as a whole.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Elapsed:        c.Elapsed(),
		TotalFetched:   c.TotalFetched.Load(),
		TotalProcessed: c.TotalProcessed.Load(),
		RowsWritten:    c.RowsWritten.Load(),
		DecodeFailures: c.DecodeFailures.Load(),
		DroppedRanges:  c.DroppedRanges.Load(),
		DroppedEntries: c.DroppedEntries.Load(),
		Retries:        c.Retries.Load(),
		BatchesLoaded:  c.BatchesLoaded.Load(),
	}
}

// Rate returns processed entries per second.
func (s CounterSnapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.TotalProcessed) / s.Elapsed.Seconds()
}
