package certlib

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleLogList = `{
  "version": "42.0",
  "operators": [
    {
      "name": "Google",
      "logs": [
        {"description": "Google 'Argon2025h1'", "url": "https://ct.googleapis.com/logs/us1/argon2025h1/", "state": {"usable": {"timestamp": "2024-01-01T00:00:00Z"}}},
        {"description": "Google 'Old'", "url": "https://ct.googleapis.com/logs/old/", "state": {"retired": {"timestamp": "2020-01-01T00:00:00Z"}}},
        {"description": "Google 'Testtube'", "url": "https://ct.googleapis.com/testtube/", "log_type": "test", "state": {"usable": {}}}
      ]
    },
    {
      "name": "Cloudflare",
      "logs": [
        {"description": "Cloudflare 'Nimbus2025'", "url": "https://ct.cloudflare.com/logs/nimbus2025/", "state": {"readonly": {}}},
        {"description": "Rejected", "url": "https://bad.example/", "state": {"rejected": {}}},
        {"description": "No URL", "url": "", "state": {"usable": {}}}
      ]
    }
  ]
}`

func TestParseLogList(t *testing.T) {
	t.Parallel()
	logs, err := ParseLogList([]byte(sampleLogList))
	if err != nil {
		t.Fatalf("ParseLogList() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2: %+v", len(logs), logs)
	}
	if logs[0].URL != "https://ct.googleapis.com/logs/us1/argon2025h1/" || logs[0].OperatedBy != "Google" || logs[0].State != "usable" {
		t.Errorf("unexpected first log %+v", logs[0])
	}
	if logs[1].OperatedBy != "Cloudflare" || logs[1].State != "readonly" {
		t.Errorf("unexpected second log %+v", logs[1])
	}
}

func TestGetCTLogsLocalFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log_list.json")
	if err := os.WriteFile(path, []byte(sampleLogList), 0o644); err != nil {
		t.Fatal(err)
	}
	logs, err := GetCTLogs(context.Background(), path)
	if err != nil {
		t.Fatalf("GetCTLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("got %d logs, want 2", len(logs))
	}

	if _, err := GetCTLogs(context.Background(), filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("GetCTLogs() on missing file expected error")
	}
}

func TestParseLogListStates(t *testing.T) {
	t.Parallel()
	const list = `{"operators": [{"name": "Op", "logs": [
		{"url": "https://a.example/", "state": {"qualified": {"timestamp": "2024-05-01T00:00:00Z"}}},
		{"url": "https://b.example/", "state": {"pending": {}}},
		{"url": "https://c.example/"},
		{"url": "https://d.example/", "log_type": "prod", "state": {"readonly": {"timestamp": "2024-05-01T00:00:00Z", "final_tree_head": {"tree_size": 10}}}}
	]}]}`
	logs, err := ParseLogList([]byte(list))
	if err != nil {
		t.Fatalf("ParseLogList() error = %v", err)
	}
	want := []string{"qualified", "pending", "unknown", "readonly"}
	if len(logs) != len(want) {
		t.Fatalf("got %d logs, want %d", len(logs), len(want))
	}
	for i, w := range want {
		if logs[i].State != w {
			t.Errorf("log %d state = %q, want %q", i, logs[i].State, w)
		}
	}

	if _, err := ParseLogList([]byte(`{"operators": 1}`)); err == nil {
		t.Error("ParseLogList() on malformed list expected error")
	}
}
