// Package sink bulk-writes certificate records into the output table.
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
	"log"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/config"
	"github.com/x-stp/ctingest/internal/util"
)

// Sink is one load worker's connection to the store. It is not safe for concurrent use.
type Sink interface {
	// WriteBatch persists all records in one bulk operation.
	WriteBatch(ctx context.Context, records []*certlib.CertificateRecord) error
	Close() error
}

// Store owns the output table and hands out one Sink per load worker.
type Store interface {
	Name() string
	// Recreate drops and recreates the table. Existing rows are lost.
	Recreate(ctx context.Context) error
	// Ensure creates the table when it does not exist.
	Ensure(ctx context.Context) error
	NewSink(ctx context.Context, workerID int) (Sink, error)
	Close() error
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// quoteTable double-quotes each part of a possibly schema-qualified table name.
func quoteTable(table string) (string, error) {
	if !identRe.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, "."), nil
}

// splitTable separates an optional schema from the table name. The schema is empty when the
// name is unqualified.
func splitTable(table string) (schema, name string) {
	if s, n, ok := strings.Cut(table, "."); ok {
		return s, n
	}
	return "", table
}

// column types per dialect, in certlib.Columns order.
func createTableSQL(table string, indexType, textType, timeType string) (string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", quoted)
	for i, col := range certlib.Columns {
		typ := textType
		switch col {
		case "cert_index":
			typ = indexType
		case "not_after":
			typ = timeType
		}
		sep := ","
		if i == len(certlib.Columns)-1 {
			sep = ""
		}
		fmt.Fprintf(&sb, "    %s %s%s\n", col, typ, sep)
	}
	sb.WriteString(")")
	return sb.String(), nil
}

func dropTableSQL(table string) (string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return "", err
	}
	return "DROP TABLE IF EXISTS " + quoted, nil
}

// DefaultDuckDBPath is the database file used when no DSN is configured.
func DefaultDuckDBPath(dir, logURL string) string {
	return filepath.Join(dir, util.LogFileStem(logURL)+".duckdb")
}

// Open returns the Store selected by cfg. logURL names default output files.
func Open(ctx context.Context, cfg config.SinkConfig, logURL string, workers int) (Store, error) {
	switch cfg.Kind {
	case config.SinkDuckDB:
		path := cfg.DSN
		if path == "" {
			path = DefaultDuckDBPath(cfg.Dir, logURL)
		}
		d, err := OpenDuckDB(path, cfg.Table)
		if err != nil {
			return nil, err
		}
		log.Printf("Writing %s to DuckDB file %s", cfg.Table, d.Path())
		return d, nil
	case config.SinkPostgres:
		return OpenPostgres(ctx, cfg.DSN, cfg.Table, workers)
	case config.SinkCSV:
		return NewCSV(cfg.Dir, util.LogFileStem(logURL)+"_"+cfg.Table)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
