package frontendbridge

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/capydeploy/agent/settings"
)

func newBridge(t *testing.T) *Bridge {
	t.Helper()
	store, err := settings.Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("settings.Load: %v", err)
	}
	b := New(store)
	b.now = func() time.Time { return time.Unix(1000, 0) }
	return b
}

func TestNotifyQueuedEventPreservesEveryOccurrence(t *testing.T) {
	b := newBridge(t)
	if err := b.Notify("operation_event", map[string]any{"status": "start"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := b.Notify("operation_event", map[string]any{"status": "complete"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	first, ok, err := b.GetEvent("operation_event")
	if err != nil || !ok {
		t.Fatalf("GetEvent 1: ok=%v err=%v", ok, err)
	}
	if string(first.Data) != `{"status":"start"}` {
		t.Errorf("first.Data = %s", first.Data)
	}

	second, ok, err := b.GetEvent("operation_event")
	if err != nil || !ok {
		t.Fatalf("GetEvent 2: ok=%v err=%v", ok, err)
	}
	if string(second.Data) != `{"status":"complete"}` {
		t.Errorf("second.Data = %s", second.Data)
	}

	_, ok, err = b.GetEvent("operation_event")
	if err != nil {
		t.Fatalf("GetEvent 3: %v", err)
	}
	if ok {
		t.Fatal("expected queue to be drained")
	}
}

func TestNotifySlotEventOverwrites(t *testing.T) {
	b := newBridge(t)
	if err := b.Notify("get_status", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := b.Notify("get_status", map[string]any{"n": 2}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	ev, ok, err := b.GetEvent("get_status")
	if err != nil || !ok {
		t.Fatalf("GetEvent: ok=%v err=%v", ok, err)
	}
	if string(ev.Data) != `{"n":2}` {
		t.Errorf("Data = %s, want latest value only", ev.Data)
	}

	_, ok, err = b.GetEvent("get_status")
	if err != nil {
		t.Fatalf("second GetEvent: %v", err)
	}
	if ok {
		t.Fatal("expected slot to be cleared after read")
	}
}

func TestGetEventMissingReturnsFalse(t *testing.T) {
	b := newBridge(t)
	_, ok, err := b.GetEvent("pairing_code")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ok {
		t.Fatal("expected no event pending")
	}
}
