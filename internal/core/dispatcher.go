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
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IndexRange is the half-open range [Start, End) of log indices.
type IndexRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of indices in the range.
func (r IndexRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r IndexRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// ClaimStatus is the state of a registered claim.
type ClaimStatus string

const ClaimProcessing ClaimStatus = "processing"

// Claim is a range handed to one fetch worker.
type Claim struct {
	ID     string
	Range  IndexRange
	Status ClaimStatus
}

// WorkDispatcher hands out consecutive, non-overlapping ranges of [start, end) and tracks
// the claims that have not been released yet. The cursor never moves backwards, so a
// range is handed out at most once.
type WorkDispatcher struct {
	mu     sync.Mutex
	cursor uint64
	end    uint64
	claims map[string]Claim
}

// NewWorkDispatcher creates a dispatcher over [start, end).
func NewWorkDispatcher(start, end uint64) *WorkDispatcher {
	return &WorkDispatcher{
		cursor: start,
		end:    end,
		claims: make(map[string]Claim),
	}
}

// ClaimRange registers and returns the next range of at most batchSize indices.
// It returns false once the cursor has reached the end.
func (d *WorkDispatcher) ClaimRange(batchSize int) (Claim, bool) {
	if batchSize <= 0 {
		return Claim{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cursor >= d.end {
		return Claim{}, false
	}
	end := d.cursor + uint64(batchSize)
	if end > d.end || end < d.cursor {
		end = d.end
	}
	claim := Claim{
		ID:     uuid.NewString(),
		Range:  IndexRange{Start: d.cursor, End: end},
		Status: ClaimProcessing,
	}
	d.cursor = end
	d.claims[claim.ID] = claim
	return claim, true
}

// ReleaseRange removes a claim. It reports whether the claim was registered.
func (d *WorkDispatcher) ReleaseRange(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claims[id]; !ok {
		return false
	}
	delete(d.claims, id)
	return true
}

// Done reports whether every range has been handed out and released.
func (d *WorkDispatcher) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor >= d.end && len(d.claims) == 0
}

// Exhausted reports whether every range has been handed out.
func (d *WorkDispatcher) Exhausted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor >= d.end
}

// InFlight returns the number of outstanding claims.
func (d *WorkDispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claims)
}

// Cursor returns the start of the next range to be handed out.
func (d *WorkDispatcher) Cursor() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}
