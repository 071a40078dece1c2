package runstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteJSONLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "record.json")
	if err := WriteJSON(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(path, map[string]int{"a": 2}); err != nil {
		t.Fatal(err)
	}

	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got["a"] != 2 {
		t.Fatalf("expected rewritten value 2, got %d", got["a"])
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, found %d entries", len(entries))
	}
}

func TestNewReportDirIsUniqueAndSorted(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 1, 1, 0, 32, 0, 0, time.Local)

	first, err := NewReportDir(root, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewReportDir(root, now)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected distinct report dirs within the same second")
	}
	later, err := NewReportDir(root, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	latest, err := LatestReportDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if latest != later {
		t.Fatalf("latest mismatch: got %s want %s", latest, later)
	}
}
