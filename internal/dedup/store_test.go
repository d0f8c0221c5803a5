package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMarkIfNew(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !s.MarkIfNew("ev1") {
		t.Error("first MarkIfNew must return true")
	}
	if s.MarkIfNew("ev1") {
		t.Error("second MarkIfNew must return false")
	}
	if !s.Seen("ev1") {
		t.Error("marked ID must be seen")
	}
	if s.Seen("ev2") {
		t.Error("unmarked ID must not be seen")
	}
}

func TestFIFOEviction(t *testing.T) {
	s, err := Open(t.TempDir(), 0) // clamps to the 10k floor
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10_005; i++ {
		s.Mark(fmt.Sprintf("ev%05d", i))
	}
	if got := s.Len(); got != 10_000 {
		t.Fatalf("Len = %d, want capacity 10000", got)
	}
	if s.Seen("ev00004") {
		t.Error("oldest entries must be evicted first")
	}
	if !s.Seen("ev00005") {
		t.Error("entry just inside capacity must survive")
	}
	if !s.Seen("ev10004") {
		t.Error("newest entry must survive")
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	s.Mark("ev1")
	s.Mark("ev2")
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	// A restarted daemon must not reprocess events it already handled.
	s2, err := Open(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s2.MarkIfNew("ev1") {
		t.Error("reopened store must remember ev1")
	}
	if !s2.MarkIfNew("ev3") {
		t.Error("reopened store must accept new IDs")
	}
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Error("clean store must not write a state file")
	}
	s.Mark("ev1")
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Errorf("dirty flush must write the state file: %v", err)
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("corrupt file must not fail open: %v", err)
	}
	if s.Len() != 0 {
		t.Error("store must start fresh after quarantine")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), FileName+".corrupt-") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt file must be renamed aside, not deleted")
	}
}
