// Package buffer carries batches of raw log entries from fetch workers to load workers.
package buffer

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
	"sync"

	"github.com/x-stp/ctingest/internal/certlib"
)

// ErrBufferClosed is returned by Put after Close, and by Get once a closed buffer is drained.
var ErrBufferClosed = errors.New("buffer closed")

// Buffer is a FIFO of batches shared by many producers and many consumers.
// Ordering across batches is not guaranteed.
type Buffer interface {
	// Put blocks until the batch is accepted, ctx is done, or the buffer is closed.
	Put(ctx context.Context, b *certlib.Batch) error
	// Get blocks until a batch is available, ctx is done, or the buffer is closed and empty.
	Get(ctx context.Context) (*certlib.Batch, error)
	// Len is the approximate number of batches waiting.
	Len() int
	Close() error
}

// Memory is an in-process bounded Buffer. Producers block while it is full.
type Memory struct {
	ch   chan *certlib.Batch
	done chan struct{}
	once sync.Once
}

// NewMemory creates a Memory buffer holding up to capacity batches.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		ch:   make(chan *certlib.Batch, capacity),
		done: make(chan struct{}),
	}
}

func (m *Memory) Put(ctx context.Context, b *certlib.Batch) error {
	select {
	case <-m.done:
		return ErrBufferClosed
	default:
	}
	// A batch that fits is kept even when ctx is already done.
	select {
	case m.ch <- b:
		return nil
	default:
	}
	select {
	case m.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrBufferClosed
	}
}

func (m *Memory) Get(ctx context.Context) (*certlib.Batch, error) {
	select {
	case b := <-m.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		select {
		case b := <-m.ch:
			return b, nil
		default:
			return nil, ErrBufferClosed
		}
	}
}

func (m *Memory) Len() int {
	return len(m.ch)
}

// Close stops accepting batches. Batches already queued remain readable. Close is idempotent.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
