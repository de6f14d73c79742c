package sink

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
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/x-stp/ctingest/internal/certlib"
	ctio "github.com/x-stp/ctingest/internal/io"
	"github.com/x-stp/ctingest/internal/util"
)

const csvSuffix = ".csv.gz"

// CSV is a Store writing one gzip-compressed CSV file per load worker into dir.
// Files are named "<prefix>_<pid>_<worker>.csv.gz" and appear once their sink is closed.
type CSV struct {
	dir    string
	prefix string
}

// NewCSV prepares dir for files starting with prefix.
func NewCSV(dir, prefix string) (*CSV, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return &CSV{dir: dir, prefix: util.SanitizeFilename(prefix)}, nil
}

func (c *CSV) Name() string { return "csv" }

// Files lists the finished output files of this store.
func (c *CSV) Files() ([]string, error) {
	return filepath.Glob(filepath.Join(c.dir, c.prefix+"_*"+csvSuffix))
}

// Recreate removes earlier output of this store.
func (c *CSV) Recreate(context.Context) error {
	files, err := c.Files()
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure is a no-op; files are created per sink.
func (c *CSV) Ensure(context.Context) error { return nil }

func (c *CSV) NewSink(ctx context.Context, workerID int) (Sink, error) {
	path := filepath.Join(c.dir, fmt.Sprintf("%s_%d_%d%s", c.prefix, os.Getpid(), workerID, csvSuffix))
	opts := ctio.DefaultAsyncBufferOptions()
	opts.Compressed = true
	buf, err := ctio.NewAsyncBuffer(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(buf)
	if err := w.Write(certlib.Columns); err != nil {
		buf.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &csvSink{buf: buf, w: w}, nil
}

func (c *CSV) Close() error { return nil }

type csvSink struct {
	buf *ctio.AsyncBuffer
	w   *csv.Writer
}

func (s *csvSink) WriteBatch(_ context.Context, records []*certlib.CertificateRecord) error {
	for _, rec := range records {
		if err := s.w.Write(rec.Strings()); err != nil {
			return fmt.Errorf("failed to write row %d: %w", rec.CertIndex, err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush rows: %w", err)
	}
	return nil
}

func (s *csvSink) Close() error {
	s.w.Flush()
	if err := errors.Join(s.w.Error(), s.buf.Close()); err != nil {
		return err
	}
	m := s.buf.Metrics()
	log.Printf("Closed %s (%d writes, %d bytes before compression)", s.buf.Path(), m.WriteCount.Load(), m.BytesWritten.Load())
	return nil
}
