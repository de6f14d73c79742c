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
	"log"
	"runtime"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// LoadPool runs a fixed set of long-lived load workers. The first worker error cancels the rest.
type LoadPool struct {
	workers []*LoadWorker
	pinCPUs bool
}

// NewLoadPool creates a pool over workers. With pinCPUs each worker is locked to an OS thread
// bound to one core, assigned round-robin.
func NewLoadPool(workers []*LoadWorker, pinCPUs bool) *LoadPool {
	return &LoadPool{workers: workers, pinCPUs: pinCPUs}
}

// Run blocks until every worker returned.
func (p *LoadPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	numCPU := runtime.NumCPU()
	for i, w := range p.workers {
		cpu := i % numCPU
		g.Go(func() (err error) {
			if p.pinCPUs {
				setAffinity(w.ID, cpu)
				defer runtime.UnlockOSThread()
			}
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Panic recovered in load worker %d: %v\n%s", w.ID, r, debug.Stack())
					err = fmt.Errorf("load worker %d panicked: %v", w.ID, r)
				}
			}()
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
