package ndjsonlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLogger_WriteAppendsNDJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	l, err := Open(Config{Path: path, MaxSizeBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Write(RecordEvent, "impact", map[string]any{"sensor_id": "s1"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Write(RecordStatus, "connected", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open written file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var records []Record
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("Unmarshal line %q: %v", scanner.Text(), err)
		}
		records = append(records, r)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Seq != 1 || records[1].Seq != 2 {
		t.Errorf("Seq values = %d, %d, want monotonic 1, 2", records[0].Seq, records[1].Seq)
	}
	if records[0].Type != RecordEvent || records[1].Type != RecordStatus {
		t.Errorf("record types = %v, %v", records[0].Type, records[1].Type)
	}
}

func TestLogger_RotatesOnSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	l, err := Open(Config{Path: path, MaxSizeBytes: 10}) // tiny, forces rotation almost immediately
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		if err := l.Write(RecordEvent, "tick", nil); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("expected at least one rotated file alongside the active log, got %d entries", len(entries))
	}
}
