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
	"fmt"
	"io"
	"time"

	"github.com/x-stp/ctingest/internal/metrics"
)

// PrintStatus writes one status block.
func PrintStatus(w io.Writer, s CounterSnapshot, bufferDepth int) {
	fmt.Fprintf(w, "Elapsed time: %s\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "Total Entries: %d\n", s.TotalFetched)
	fmt.Fprintf(w, "Buffer size: %d\n", bufferDepth)
	fmt.Fprintf(w, "Total processed: %d\n", s.TotalProcessed)
	fmt.Fprintf(w, "-----\n")
}

// PrintSummary writes the final statistics of a run.
func PrintSummary(w io.Writer, o Outcome) {
	s := o.Counters
	fmt.Fprintf(w, "\n--- Final Statistics (%s) ---\n", o.Mode)
	fmt.Fprintf(w, " Processing Time: %v\n", s.Elapsed.Round(time.Millisecond))
	if o.Range.End > 0 {
		fmt.Fprintf(w, "           Range: %s\n", o.Range)
	}
	fmt.Fprintf(w, "   Total Fetched: %d\n", s.TotalFetched)
	fmt.Fprintf(w, " Total Processed: %d\n", s.TotalProcessed)
	fmt.Fprintf(w, "    Rows Written: %d\n", s.RowsWritten)
	fmt.Fprintf(w, " Decode Failures: %d\n", s.DecodeFailures)
	fmt.Fprintf(w, "  Dropped Ranges: %d (%d entries)\n", s.DroppedRanges, s.DroppedEntries)
	fmt.Fprintf(w, "         Retries: %d\n", s.Retries)
	fmt.Fprintf(w, "    Overall Rate: %.0f entries/sec\n", s.Rate())
	switch {
	case o.Err != nil:
		fmt.Fprintf(w, "          Result: failed: %v\n", o.Err)
	case o.Interrupted:
		fmt.Fprintf(w, "          Result: interrupted\n")
		if o.Unclaimed < o.Range.End {
			fmt.Fprintf(w, "       Unclaimed: %s\n", IndexRange{Start: o.Unclaimed, End: o.Range.End})
		}
	case s.DroppedRanges > 0:
		fmt.Fprintf(w, "          Result: completed with dropped ranges\n")
	default:
		fmt.Fprintf(w, "          Result: completed\n")
	}
	fmt.Fprintf(w, "-------------------------------\n")
}

func (p *Pipeline) statusLoop(ctx context.Context, w io.Writer) {
	interval := p.cfg.StatusInterval
	if interval <= 0 {
		interval = StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := p.opts.Buffer.Len()
			metrics.GetMetrics().SetBufferDepth(depth)
			PrintStatus(w, p.counters.Snapshot(), depth)
		}
	}
}
