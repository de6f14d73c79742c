package io

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
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBufferSize = 256 * 1024
	FlushInterval     = 2 * time.Second
	tempSuffix        = ".tmp"
)

// ErrBufferClosed is returned by writes after Close.
var ErrBufferClosed = errors.New("write buffer closed")

// BufferMetrics tracks the activity of one AsyncBuffer.
type BufferMetrics struct {
	BytesWritten  atomic.Int64
	FlushCount    atomic.Int64
	WriteCount    atomic.Int64
	ErrorCount    atomic.Int64
	LastFlushTime atomic.Int64 // Unix nanoseconds
}

// AsyncBuffer is a buffered, optionally gzip-compressed file writer that flushes in the
// background. Data goes to "<path>.tmp" and is renamed to path on a clean Close, so readers
// never see a half-written file under the final name.
type AsyncBuffer struct {
	file      *os.File
	gzWriter  *gzip.Writer
	bufWriter *bufio.Writer

	tempPath  string
	finalPath string

	mu     sync.Mutex
	closed bool

	cancel  context.CancelFunc
	flushWg sync.WaitGroup

	metrics BufferMetrics
}

// AsyncBufferOptions configures NewAsyncBuffer.
type AsyncBufferOptions struct {
	BufferSize    int
	FlushInterval time.Duration
	Compressed    bool
}

// DefaultAsyncBufferOptions returns uncompressed defaults.
func DefaultAsyncBufferOptions() *AsyncBufferOptions {
	return &AsyncBufferOptions{
		BufferSize:    DefaultBufferSize,
		FlushInterval: FlushInterval,
	}
}

// NewAsyncBuffer creates the temporary file for path and starts the background flusher.
// The flusher stops when ctx is done or the buffer is closed.
func NewAsyncBuffer(ctx context.Context, path string, options *AsyncBufferOptions) (*AsyncBuffer, error) {
	if options == nil {
		options = DefaultAsyncBufferOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = FlushInterval
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := path + tempSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", tempPath, err)
	}

	ab := &AsyncBuffer{
		file:      file,
		tempPath:  tempPath,
		finalPath: path,
	}
	if options.Compressed {
		gzw, err := gzip.NewWriterLevel(file, gzip.BestSpeed)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		ab.gzWriter = gzw
		ab.bufWriter = bufio.NewWriterSize(gzw, options.BufferSize)
	} else {
		ab.bufWriter = bufio.NewWriterSize(file, options.BufferSize)
	}

	flushCtx, cancel := context.WithCancel(ctx)
	ab.cancel = cancel
	ab.flushWg.Add(1)
	go ab.backgroundFlush(flushCtx, options.FlushInterval)

	return ab, nil
}

func (ab *AsyncBuffer) backgroundFlush(ctx context.Context, interval time.Duration) {
	defer ab.flushWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ab.Flush(); err != nil && !errors.Is(err, ErrBufferClosed) {
				log.Printf("Background flush of %s failed: %v", ab.finalPath, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Write appends data to the buffer.
func (ab *AsyncBuffer) Write(data []byte) (int, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.closed {
		return 0, ErrBufferClosed
	}
	n, err := ab.bufWriter.Write(data)
	if err != nil {
		ab.metrics.ErrorCount.Add(1)
		return n, fmt.Errorf("failed to write to buffer: %w", err)
	}
	ab.metrics.BytesWritten.Add(int64(n))
	ab.metrics.WriteCount.Add(1)
	return n, nil
}

// Flush pushes buffered data, through gzip when enabled, to the file.
func (ab *AsyncBuffer) Flush() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return ErrBufferClosed
	}
	return ab.flushLocked()
}

func (ab *AsyncBuffer) flushLocked() error {
	if err := ab.bufWriter.Flush(); err != nil {
		ab.metrics.ErrorCount.Add(1)
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if ab.gzWriter != nil {
		if err := ab.gzWriter.Flush(); err != nil {
			ab.metrics.ErrorCount.Add(1)
			return fmt.Errorf("failed to flush gzip writer: %w", err)
		}
	}
	ab.metrics.FlushCount.Add(1)
	ab.metrics.LastFlushTime.Store(time.Now().UnixNano())
	return nil
}

// Close flushes, closes the file and moves it to its final name. The file keeps its temporary
// name when any step fails.
func (ab *AsyncBuffer) Close() error {
	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		return nil
	}

	var errs []error
	if err := ab.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if ab.gzWriter != nil {
		if err := ab.gzWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close gzip writer: %w", err))
		}
	}
	if err := ab.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s: %w", ab.tempPath, err))
	}
	if len(errs) == 0 {
		if err := os.Rename(ab.tempPath, ab.finalPath); err != nil {
			errs = append(errs, fmt.Errorf("failed to rename %s: %w", ab.tempPath, err))
		}
	}
	ab.closed = true
	ab.mu.Unlock()

	ab.cancel()
	ab.flushWg.Wait()
	return errors.Join(errs...)
}

// Path returns the final path of the file.
func (ab *AsyncBuffer) Path() string {
	return ab.finalPath
}

// Metrics returns the live counters of the buffer.
func (ab *AsyncBuffer) Metrics() *BufferMetrics {
	return &ab.metrics
}
