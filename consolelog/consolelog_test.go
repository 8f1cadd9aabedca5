package consolelog

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAddEntryFiltersByLevelMask(t *testing.T) {
	c := NewCollector()
	c.SetLevelMask(LevelError) // only errors

	now := time.Unix(1000, 0)
	c.AddEntry("log", "console", "ignored", "", 0, nil, now)
	c.AddEntry("error", "console", "boom", "", 0, nil, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) != 1 || c.buffer[0].Text != "boom" {
		t.Fatalf("buffer = %+v, want only the error entry", c.buffer)
	}
	if c.dropped != 0 {
		t.Errorf("dropped = %d, want 0 (filtered entries don't count)", c.dropped)
	}
}

func TestAddEntryUnknownLevelIsDropped(t *testing.T) {
	c := NewCollector()
	c.AddEntry("nonsense", "console", "x", "", 0, nil, time.Unix(1, 0))
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) != 0 {
		t.Fatalf("expected unknown level to be discarded, got %+v", c.buffer)
	}
}

func TestAddEntryOverflowDropsOldest(t *testing.T) {
	c := NewCollector()
	now := time.Unix(1, 0)
	for i := 0; i < bufferCap+10; i++ {
		c.AddEntry("log", "console", "x", "", 0, nil, now)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) != bufferCap {
		t.Fatalf("buffer len = %d, want %d", len(c.buffer), bufferCap)
	}
	if c.dropped != 10 {
		t.Errorf("dropped = %d, want 10", c.dropped)
	}
}

func TestFlushCapsBatchSizeAndResetsDropped(t *testing.T) {
	c := NewCollector()
	now := time.Unix(1, 0)
	for i := 0; i < batchCap+20; i++ {
		c.AddEntry("log", "console", "x", "", 0, nil, now)
	}

	var mu sync.Mutex
	var got Batch
	c.flush(context.Background(), func(_ context.Context, b Batch) error {
		mu.Lock()
		got = b
		mu.Unlock()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got.Entries) != batchCap {
		t.Fatalf("flushed %d entries, want %d", len(got.Entries), batchCap)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) != 20 {
		t.Fatalf("remaining buffer = %d, want 20", len(c.buffer))
	}
	if c.dropped != 0 {
		t.Errorf("dropped after flush = %d, want 0", c.dropped)
	}
}

func TestStartStopRunsFlushLoop(t *testing.T) {
	c := NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var batches int
	c.Start(ctx, func(_ context.Context, _ Batch) error {
		mu.Lock()
		batches++
		mu.Unlock()
		return nil
	})
	if !c.Running() {
		t.Fatal("expected collector to be running")
	}

	c.AddEntry("info", "console", "hello", "", 0, nil, time.Now())
	time.Sleep(700 * time.Millisecond)

	mu.Lock()
	n := batches
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one flush to have happened")
	}

	c.Stop()
	if c.Running() {
		t.Fatal("expected collector to be stopped")
	}
}
