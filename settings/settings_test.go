package settings

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.AgentID() != "" {
		t.Fatalf("expected empty AgentID on fresh store")
	}
	if s.TelemetryInterval() != 5 {
		t.Fatalf("expected default telemetry interval 5, got %d", s.TelemetryInterval())
	}
}

func TestSetAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SetAgentID("agent-1"); err != nil {
		t.Fatalf("SetAgentID: %v", err)
	}
	if err := s.SetAuthorizedHub("hub-1", AuthorizedHub{Name: "Hub", Token: "tok"}); err != nil {
		t.Fatalf("SetAuthorizedHub: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.AgentID() != "agent-1" {
		t.Fatalf("AgentID lost across reload: %q", reloaded.AgentID())
	}
	hub, ok := reloaded.AuthorizedHub("hub-1")
	if !ok || hub.Token != "tok" {
		t.Fatalf("authorized hub lost across reload: %+v ok=%v", hub, ok)
	}
}

func TestRevokeHub(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "settings.json"))
	_ = s.SetAuthorizedHub("h", AuthorizedHub{Name: "Hub"})
	if _, ok := s.AuthorizedHub("h"); !ok {
		t.Fatalf("expected hub present before revoke")
	}
	if err := s.RevokeHub("h"); err != nil {
		t.Fatalf("RevokeHub: %v", err)
	}
	if _, ok := s.AuthorizedHub("h"); ok {
		t.Fatalf("expected hub gone after revoke")
	}
}

func TestQueuePushPopCapsAtMaxDepth(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "settings.json"))
	for i := 0; i < maxQueueDepth+10; i++ {
		v, _ := json.Marshal(i)
		if err := s.QueuePush("_queue_test", v); err != nil {
			t.Fatalf("QueuePush: %v", err)
		}
	}
	v, ok, err := s.QueuePop("_queue_test")
	if err != nil || !ok {
		t.Fatalf("QueuePop: ok=%v err=%v", ok, err)
	}
	var first int
	if err := json.Unmarshal(v, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first != 10 {
		t.Fatalf("expected oldest surviving entry to be 10 after overflow, got %d", first)
	}
}

func TestQueuesResetOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, _ := Load(path)
	v, _ := json.Marshal("x")
	_ = s.QueuePush("_queue_a", v)

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok, _ := reloaded.QueuePop("_queue_a"); ok {
		t.Fatalf("expected queues swept clean on load")
	}
}

func TestSlotSetGetClear(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "settings.json"))
	v, _ := json.Marshal(42)
	if err := s.SlotSet("_event_progress", v); err != nil {
		t.Fatalf("SlotSet: %v", err)
	}
	got, ok := s.SlotGet("_event_progress")
	if !ok {
		t.Fatalf("expected slot present")
	}
	var n int
	_ = json.Unmarshal(got, &n)
	if n != 42 {
		t.Fatalf("slot value mismatch: %d", n)
	}
	if err := s.SlotClear("_event_progress"); err != nil {
		t.Fatalf("SlotClear: %v", err)
	}
	if _, ok := s.SlotGet("_event_progress"); ok {
		t.Fatalf("expected slot cleared")
	}
}
