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
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/x-stp/ctingest/internal/certlib"
)

// DuckDB is a Store backed by a single DuckDB database file. All sinks share one
// connector; each sink holds its own connection and appender.
type DuckDB struct {
	path      string
	table     string
	connector *duckdb.Connector
	db        *sql.DB

	mu     sync.Mutex
	sinks  map[*duckSink]struct{}
	closed bool
}

// OpenDuckDB opens or creates the database at path.
func OpenDuckDB(path, table string) (*DuckDB, error) {
	if _, err := quoteTable(table); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	return &DuckDB{
		path:      path,
		table:     table,
		connector: connector,
		db:        sql.OpenDB(connector),
		sinks:     make(map[*duckSink]struct{}),
	}, nil
}

func (d *DuckDB) Name() string { return "duckdb" }

// Path returns the database file.
func (d *DuckDB) Path() string { return d.path }

func (d *DuckDB) Recreate(ctx context.Context) error {
	drop, err := dropTableSQL(d.table)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", d.table, err)
	}
	return d.Ensure(ctx)
}

func (d *DuckDB) Ensure(ctx context.Context) error {
	if schema, _ := splitTable(d.table); schema != "" {
		if _, err := d.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS "`+schema+`"`); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}
	ddl, err := createTableSQL(d.table, "UINTEGER", "VARCHAR", "TIMESTAMP")
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", d.table, err)
	}
	return nil
}

func (d *DuckDB) NewSink(ctx context.Context, workerID int) (Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("duckdb store closed")
	}
	conn, err := d.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker %d: failed to connect to DuckDB: %w", workerID, err)
	}
	s := &duckSink{store: d, conn: conn}
	d.sinks[s] = struct{}{}
	return s, nil
}

// Close closes any sinks still open, then the shared handle and connector.
func (d *DuckDB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sinks := make([]*duckSink, 0, len(d.sinks))
	for s := range d.sinks {
		sinks = append(sinks, s)
	}
	d.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.connector.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing DuckDB: %w", errors.Join(errs...))
	}
	return nil
}

func (d *DuckDB) forget(s *duckSink) {
	d.mu.Lock()
	delete(d.sinks, s)
	d.mu.Unlock()
}

type duckSink struct {
	store    *DuckDB
	conn     driver.Conn
	appender *duckdb.Appender
	once     sync.Once
	closeErr error
}

func (s *duckSink) WriteBatch(_ context.Context, records []*certlib.CertificateRecord) error {
	if len(records) == 0 {
		return nil
	}
	if s.appender == nil {
		schema, table := splitTable(s.store.table)
		appender, err := duckdb.NewAppenderFromConn(s.conn, schema, table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		s.appender = appender
	}

	row := make([]driver.Value, len(certlib.Columns))
	for _, rec := range records {
		for i, v := range rec.Values() {
			row[i] = v
		}
		if err := s.appender.AppendRow(row...); err != nil {
			s.reset()
			return fmt.Errorf("failed to append row %d: %w", rec.CertIndex, err)
		}
	}
	if err := s.appender.Flush(); err != nil {
		s.reset()
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

// reset discards an appender left in an error state. The next write starts a fresh one.
func (s *duckSink) reset() {
	if s.appender != nil {
		_ = s.appender.Close()
		s.appender = nil
	}
}

func (s *duckSink) Close() error {
	s.once.Do(func() {
		var errs []error
		if s.appender != nil {
			if err := s.appender.Close(); err != nil {
				errs = append(errs, err)
			}
			s.appender = nil
		}
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		s.store.forget(s)
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
