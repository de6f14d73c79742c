package sink

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/config"
)

func testRecords(start uint32, n int) []*certlib.CertificateRecord {
	recs := make([]*certlib.CertificateRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, &certlib.CertificateRecord{
			CertIndex:       start + uint32(i),
			SHA1Fingerprint: "AA:BB",
			Issuer:          certlib.IssuerName{Country: "US", Organization: "Test CA Inc", CommonName: "Test CA R1"},
			Subject:         certlib.SubjectName{CommonName: "example.com"},
			SAN:             "www.example.com",
			NotAfter:        time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}
	return recs
}

func TestQuoteTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"certificates", `"certificates"`, false},
		{"ct.certs_2025", `"ct"."certs_2025"`, false},
		{"", "", true},
		{"a.b.c", "", true},
		{"certs; DROP TABLE x", "", true},
		{"1certs", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := quoteTable(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("quoteTable(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("quoteTable(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()
	ddl, err := createTableSQL("certificates", "UINTEGER", "VARCHAR", "TIMESTAMP")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ddl, `CREATE TABLE IF NOT EXISTS "certificates" (`) {
		t.Errorf("unexpected prefix: %s", ddl)
	}
	for _, want := range []string{"cert_index UINTEGER,", "san VARCHAR,", "not_after TIMESTAMP\n"} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
	for _, col := range certlib.Columns {
		if !strings.Contains(ddl, "    "+col+" ") {
			t.Errorf("DDL missing column %s", col)
		}
	}
}

func TestPgRowsWidensIndex(t *testing.T) {
	t.Parallel()
	rows := pgRows(testRecords(4294967295, 1))
	if len(rows) != 1 || len(rows[0]) != len(certlib.Columns) {
		t.Fatalf("unexpected shape %v", rows)
	}
	if got, ok := rows[0][0].(int64); !ok || got != 4294967295 {
		t.Errorf("cert_index = %#v, want int64(4294967295)", rows[0][0])
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer gz.Close()
	rows, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewCSV(dir, "ct.example_log_certificates")
	if err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "ct.example_log_certificates_1_0.csv.gz")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Recreate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived Recreate: %v", err)
	}

	s, err := store.NewSink(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBatch(ctx, testRecords(10, 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBatch(ctx, testRecords(12, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := store.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1: %v", len(files), files)
	}
	rows := readCSV(t, files[0])
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want header + 3", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(certlib.Columns, ",") {
		t.Errorf("header = %v", rows[0])
	}
	for i, row := range rows[1:] {
		if want := []string{"10", "11", "12"}[i]; row[0] != want {
			t.Errorf("row %d cert_index = %s, want %s", i, row[0], want)
		}
		if row[len(row)-1] != "2030-01-02T03:04:05Z" {
			t.Errorf("row %d not_after = %s", i, row[len(row)-1])
		}
	}
}

func TestOpenUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), config.SinkConfig{Kind: "parquet", Table: "certificates"}, "", 1)
	if err == nil {
		t.Fatal("expected error for unknown sink kind")
	}
}

func TestDuckDBStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ct.duckdb")

	store, err := OpenDuckDB(path, "certificates")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Recreate(ctx); err != nil {
		t.Fatal(err)
	}
	a, err := store.NewSink(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.NewSink(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteBatch(ctx, testRecords(0, 3)); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteBatch(ctx, testRecords(3, 2)); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	var count, maxIndex int64
	row := store.db.QueryRowContext(ctx, `SELECT count(*), max(cert_index) FROM certificates`)
	if err := row.Scan(&count, &maxIndex); err != nil {
		t.Fatal(err)
	}
	if count != 5 || maxIndex != 4 {
		t.Errorf("count=%d max=%d, want 5 and 4", count, maxIndex)
	}

	var cn, san string
	var notAfter time.Time
	row = store.db.QueryRowContext(ctx, `SELECT issuer_common_name, san, not_after FROM certificates WHERE cert_index = 2`)
	if err := row.Scan(&cn, &san, &notAfter); err != nil {
		t.Fatal(err)
	}
	if cn != "Test CA R1" || san != "www.example.com" || !notAfter.Equal(time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("got %q %q %v", cn, san, notAfter)
	}

	// Recreate empties the table.
	if err := store.Recreate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.db.QueryRowContext(ctx, `SELECT count(*) FROM certificates`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count after Recreate = %d", count)
	}
}

func TestDuckDBSchemaQualifiedTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := OpenDuckDB(filepath.Join(t.TempDir(), "ct.duckdb"), "ct.certificates")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Recreate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := store.NewSink(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBatch(ctx, testRecords(0, 3)); err != nil {
		t.Fatalf("WriteBatch() into schema table = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	var count int64
	if err := store.db.QueryRowContext(ctx, `SELECT count(*) FROM ct.certificates`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestSplitTable(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, schema, table string }{
		{"certs", "", "certs"},
		{"ct.certs", "ct", "certs"},
	}
	for _, tc := range tests {
		if s, n := splitTable(tc.in); s != tc.schema || n != tc.table {
			t.Errorf("splitTable(%q) = %q, %q", tc.in, s, n)
		}
	}
}

func TestDefaultDuckDBPath(t *testing.T) {
	t.Parallel()
	got := DefaultDuckDBPath("output", "https://ct.cloudflare.com/logs/nimbus2025/")
	want := filepath.Join("output", "ct.cloudflare.com_logs_nimbus2025.duckdb")
	if got != want {
		t.Errorf("DefaultDuckDBPath() = %q, want %q", got, want)
	}
}
