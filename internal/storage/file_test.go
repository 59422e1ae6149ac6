package storage

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/IshaanNene/webstalk/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJSONStorageWritesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	s, err := NewJSONStorage(path, testLogger())
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}

	item := types.NewItem("https://example.com")
	item.Set("title", "hello")
	if err := s.Store([]*types.Item{item}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 record, got %d", len(decoded))
	}
	if decoded[0]["title"] != "hello" {
		t.Errorf("expected title field preserved, got %v", decoded[0]["title"])
	}
}

func TestJSONStorageDedupesByChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	s, err := NewJSONStorage(path, testLogger())
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}

	item := types.NewItem("https://example.com")
	item.Checksum = "same-checksum"
	item.Set("title", "first attempt")
	redelivered := types.NewItem("https://example.com")
	redelivered.Checksum = "same-checksum"
	redelivered.Set("title", "retried attempt")

	if err := s.Store([]*types.Item{item}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store([]*types.Item{redelivered}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected a redelivered item with the same checksum to be deduplicated, got %d records", len(decoded))
	}
}

func TestJSONLStorageStreamsOneRecordPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := NewJSONLStorage(path, testLogger())
	if err != nil {
		t.Fatalf("NewJSONLStorage: %v", err)
	}

	item1 := types.NewItem("https://example.com/1")
	item2 := types.NewItem("https://example.com/2")
	if err := s.Store([]*types.Item{item1, item2}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 newline-delimited records, got %d", lines)
	}
}

func TestCSVStorageWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s, err := NewCSVStorage(path, testLogger())
	if err != nil {
		t.Fatalf("NewCSVStorage: %v", err)
	}

	item := types.NewItem("https://example.com")
	item.Set("title", "hello")
	if err := s.Store([]*types.Item{item}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty CSV output")
	}
}

func TestNewFileStorageRejectsUnknownType(t *testing.T) {
	_, err := NewFileStorage("xml", t.TempDir(), testLogger())
	if err == nil {
		t.Error("expected an error for an unsupported storage type")
	}
}

func TestNewFileStorageDispatchesByType(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage("json", dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()
	if s.Name() != "json" {
		t.Errorf("expected json storage, got %q", s.Name())
	}
}
