package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/capydeploy/agent/agenterr"
	"github.com/capydeploy/agent/consolelog"
	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/gamelog"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/pairing"
	"github.com/capydeploy/agent/settings"
	"github.com/capydeploy/agent/telemetry"
)

type fakeSink struct {
	replies map[string]json.RawMessage
	errs    map[string]*agenterr.Error
	emitted []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{replies: make(map[string]json.RawMessage), errs: make(map[string]*agenterr.Error)}
}

func (f *fakeSink) Reply(_ context.Context, id, _ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.replies[id] = b
	return nil
}

func (f *fakeSink) ReplyError(_ context.Context, id string, e *agenterr.Error) error {
	f.errs[id] = e
	return nil
}

func (f *fakeSink) Emit(_ context.Context, msgType string, _ any) error {
	f.emitted = append(f.emitted, msgType)
	return nil
}

func newDeps(t *testing.T) *Deps {
	t.Helper()
	store, err := settings.Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &Deps{
		Store:      store,
		Bridge:     frontendbridge.New(store),
		Pairing:    pairing.New(store, observability.Noop),
		Telemetry:  telemetry.NewCollector(),
		ConsoleLog: consolelog.NewCollector(),
		GameLog:    gamelog.NewTailer(),
		Obs:        observability.Noop,
		Version:    "0.0.0-test",
	}
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func TestGetInfoAlwaysAcceptsConnections(t *testing.T) {
	d := newDeps(t)
	_ = d.Store.SetAgentName("My Deck")
	sink := newFakeSink()
	if err := d.GetInfo(context.Background(), sink, "peer", "1", nil); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	var resp struct {
		Agent struct {
			Name              string `json:"name"`
			AcceptConnections bool   `json:"acceptConnections"`
		} `json:"agent"`
	}
	mustUnmarshal(t, sink.replies["1"], &resp)
	if resp.Agent.Name != "My Deck" {
		t.Errorf("name = %q", resp.Agent.Name)
	}
	if !resp.Agent.AcceptConnections {
		t.Error("expected acceptConnections = true")
	}
}

func TestListShortcutsReadsTrackedSettings(t *testing.T) {
	d := newDeps(t)
	_ = d.Store.AppendTrackedShortcut(settings.TrackedShortcut{AppID: 42, Name: "Game A", Exe: "/bin/a", StartDir: "/games/a"})
	sink := newFakeSink()
	if err := d.ListShortcuts(context.Background(), sink, "peer", "1", nil); err != nil {
		t.Fatalf("ListShortcuts: %v", err)
	}
	var resp struct {
		Shortcuts []struct {
			AppID int64  `json:"appId"`
			Name  string `json:"name"`
		} `json:"shortcuts"`
	}
	mustUnmarshal(t, sink.replies["1"], &resp)
	if len(resp.Shortcuts) != 1 || resp.Shortcuts[0].AppID != 42 {
		t.Fatalf("unexpected shortcuts: %+v", resp.Shortcuts)
	}
}

func TestDeleteGameNotFoundRepliesError(t *testing.T) {
	d := newDeps(t)
	sink := newFakeSink()
	payload, _ := json.Marshal(map[string]any{"appId": 99})
	if err := d.DeleteGame(context.Background(), sink, "peer", "1", payload); err != nil {
		t.Fatalf("DeleteGame: %v", err)
	}
	if sink.errs["1"] == nil {
		t.Fatal("expected a not-found error")
	}
	if sink.errs["1"].Code != agenterr.CodeNotFound {
		t.Errorf("code = %v", sink.errs["1"].Code)
	}
}

func TestDeleteGameRemovesFolderAndTracking(t *testing.T) {
	d := newDeps(t)
	dir := t.TempDir()
	gameDir := filepath.Join(dir, "Game B")
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_ = d.Store.AppendTrackedShortcut(settings.TrackedShortcut{AppID: 7, Name: "Game B", StartDir: gameDir})

	sink := newFakeSink()
	payload, _ := json.Marshal(map[string]any{"appId": 7})
	if err := d.DeleteGame(context.Background(), sink, "peer", "1", payload); err != nil {
		t.Fatalf("DeleteGame: %v", err)
	}
	if sink.errs["1"] != nil {
		t.Fatalf("unexpected error: %v", sink.errs["1"])
	}
	if len(d.Store.TrackedShortcuts()) != 0 {
		t.Error("expected shortcut to be untracked")
	}
	if _, ok, _ := d.Bridge.GetEvent("remove_shortcut"); !ok {
		t.Error("expected a remove_shortcut notification")
	}
}

func TestSetTelemetryIntervalClampsAndPersists(t *testing.T) {
	d := newDeps(t)
	sink := newFakeSink()
	payload, _ := json.Marshal(map[string]any{"seconds": 99})
	if err := d.SetTelemetryInterval(context.Background(), sink, "peer", "1", payload); err != nil {
		t.Fatalf("SetTelemetryInterval: %v", err)
	}
	if d.Store.TelemetryInterval() != 10 {
		t.Errorf("expected clamp to 10, got %d", d.Store.TelemetryInterval())
	}
}

func TestSetTelemetryEnabledStartsAndStopsPump(t *testing.T) {
	d := newDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newFakeSink()

	_ = d.Store.SetTelemetryInterval(1)
	payload, _ := json.Marshal(map[string]any{"enabled": true})
	if err := d.SetTelemetryEnabled(ctx, sink, "peer", "1", payload); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !d.Telemetry.Running() {
		t.Fatal("expected telemetry running")
	}

	payload, _ = json.Marshal(map[string]any{"enabled": false})
	if err := d.SetTelemetryEnabled(ctx, sink, "peer", "2", payload); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if d.Telemetry.Running() {
		t.Error("expected telemetry stopped")
	}
}

func TestRegisterShortcutAssignsAppID(t *testing.T) {
	d := newDeps(t)
	_ = d.Store.AppendTrackedShortcut(settings.TrackedShortcut{AppID: 0, Name: "New Game", GameName: "New Game"})
	sink := newFakeSink()
	payload, _ := json.Marshal(map[string]any{"gameName": "New Game", "appId": 555})
	if err := d.RegisterShortcut(context.Background(), sink, "peer", "1", payload); err != nil {
		t.Fatalf("RegisterShortcut: %v", err)
	}
	var resp struct {
		Registered bool `json:"registered"`
	}
	mustUnmarshal(t, sink.replies["1"], &resp)
	if !resp.Registered {
		t.Fatal("expected registered = true")
	}
	tracked := d.Store.TrackedShortcuts()
	if len(tracked) != 1 || tracked[0].AppID != 555 {
		t.Fatalf("unexpected tracked shortcuts: %+v", tracked)
	}
}

func TestRevokeHubUnknownReportsNotRevoked(t *testing.T) {
	d := newDeps(t)
	sink := newFakeSink()
	payload, _ := json.Marshal(map[string]any{"hubId": "nope"})
	if err := d.RevokeHub(context.Background(), sink, "peer", "1", payload); err != nil {
		t.Fatalf("RevokeHub: %v", err)
	}
	var resp struct {
		Revoked bool `json:"revoked"`
	}
	mustUnmarshal(t, sink.replies["1"], &resp)
	if resp.Revoked {
		t.Fatal("expected revoked = false for an unknown hub")
	}
}

func TestGetPairingLockoutReportsRemaining(t *testing.T) {
	d := newDeps(t)
	sink := newFakeSink()
	if err := d.GetPairingLockout(context.Background(), sink, "peer", "1", nil); err != nil {
		t.Fatalf("GetPairingLockout: %v", err)
	}
	var resp struct {
		Locked bool `json:"locked"`
	}
	mustUnmarshal(t, sink.replies["1"], &resp)
	if resp.Locked {
		t.Fatal("expected not locked out initially")
	}
}

func TestUninstallGameRemovesFolderAndTracking(t *testing.T) {
	d := newDeps(t)
	installDir := t.TempDir()
	_ = d.Store.SetInstallPath(installDir)
	gameDir := filepath.Join(installDir, "Old Game")
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_ = d.Store.AppendTrackedShortcut(settings.TrackedShortcut{AppID: 12, Name: "Old Game"})

	sink := newFakeSink()
	payload, _ := json.Marshal(map[string]any{"gameName": "Old Game"})
	if err := d.UninstallGame(context.Background(), sink, "peer", "1", payload); err != nil {
		t.Fatalf("UninstallGame: %v", err)
	}
	var resp struct {
		Found bool  `json:"found"`
		AppID int64 `json:"appId"`
	}
	mustUnmarshal(t, sink.replies["1"], &resp)
	if !resp.Found || resp.AppID != 12 {
		t.Fatalf("unexpected result: %+v", resp)
	}
	if len(d.Store.TrackedShortcuts()) != 0 {
		t.Error("expected shortcut untracked")
	}
}
