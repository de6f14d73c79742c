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
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/x-stp/ctingest/internal/certlib"
)

// Postgres is a Store writing through COPY. The pool is sized so every load worker
// can hold a connection while the store runs DDL.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
	ident pgx.Identifier
}

// OpenPostgres connects to dsn with room for workers concurrent sinks.
func OpenPostgres(ctx context.Context, dsn, table string, workers int) (*Postgres, error) {
	if _, err := quoteTable(table); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}
	cfg.MaxConns = int32(workers + 1)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{
		pool:  pool,
		table: table,
		ident: pgx.Identifier(strings.Split(table, ".")),
	}, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Recreate(ctx context.Context) error {
	drop, err := dropTableSQL(p.table)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", p.table, err)
	}
	return p.Ensure(ctx)
}

func (p *Postgres) Ensure(ctx context.Context) error {
	ddl, err := createTableSQL(p.table, "BIGINT", "TEXT", "TIMESTAMPTZ")
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", p.table, err)
	}
	return nil
}

// NewSink reserves one pooled connection for the worker.
func (p *Postgres) NewSink(ctx context.Context, workerID int) (Sink, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker %d: failed to acquire connection: %w", workerID, err)
	}
	return &pgSink{conn: conn, ident: p.ident}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgSink struct {
	conn  *pgxpool.Conn
	ident pgx.Identifier
}

// pgRows converts records to COPY rows. cert_index widens to BIGINT since Postgres has no unsigned type.
func pgRows(records []*certlib.CertificateRecord) [][]any {
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row := rec.Values()
		row[0] = int64(rec.CertIndex)
		rows = append(rows, row)
	}
	return rows
}

func (s *pgSink) WriteBatch(ctx context.Context, records []*certlib.CertificateRecord) error {
	if len(records) == 0 {
		return nil
	}
	n, err := s.conn.Conn().CopyFrom(ctx, s.ident, certlib.Columns, pgx.CopyFromRows(pgRows(records)))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", s.ident.Sanitize(), err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", s.ident.Sanitize(), n, len(records))
	}
	return nil
}

func (s *pgSink) Close() error {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
	return nil
}
