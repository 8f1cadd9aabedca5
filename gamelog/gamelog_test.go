package gamelog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/capydeploy/agent/consolelog"
)

func TestEntryForLevelHeuristic(t *testing.T) {
	cases := map[string]string{
		"Fatal exception thrown": "error",
		"a panic occurred":       "error",
		"ERROR: bad state":       "error",
		"warning: low memory":    "warn",
		"debug: tick":            "debug",
		"trace enabled":          "debug",
		"hello world":            "log",
	}
	for text, want := range cases {
		if got := entryFor(text).Level; got != want {
			t.Errorf("entryFor(%q).Level = %q, want %q", text, got, want)
		}
	}
}

func TestFindLatestPicksMostRecentlyModified(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "game_10_a.log")
	newer := filepath.Join(dir, "game_10_b.log")
	writeAndStamp(t, older, "old", time.Now().Add(-time.Hour))
	writeAndStamp(t, newer, "new", time.Now())

	got := findLatest(filepath.Join(dir, "game_10_*.log"))
	if got != newer {
		t.Fatalf("findLatest = %q, want %q", got, newer)
	}
}

func TestFindLatestNoMatchesReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	if got := findLatest(filepath.Join(dir, "game_99_*.log")); got != "" {
		t.Fatalf("findLatest = %q, want empty", got)
	}
}

func TestTailFileStreamsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "game_5_x.log")
	if err := os.WriteFile(path, []byte("line one\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []consolelog.Entry
	send := func(_ context.Context, b consolelog.Batch) error {
		mu.Lock()
		got = append(got, b.Entries...)
		mu.Unlock()
		return nil
	}

	go tailFile(ctx, path, send)

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("error: boom\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 2 {
		t.Fatalf("got %d entries, want at least 2: %+v", len(got), got)
	}
	if got[0].Text != "line one" {
		t.Errorf("first entry text = %q", got[0].Text)
	}
	if got[1].Text != "error: boom" || got[1].Level != "error" {
		t.Errorf("second entry = %+v, want text=error: boom level=error", got[1])
	}
}

func writeAndStamp(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}
