package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/capydeploy/agent/agenterr"
	"github.com/capydeploy/agent/artwork"
	"github.com/capydeploy/agent/consolelog"
	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/gamelog"
	"github.com/capydeploy/agent/settings"
	"github.com/capydeploy/agent/telemetry"
	"github.com/capydeploy/agent/upload"
)

type fakeSink struct {
	emitted []string
}

func (f *fakeSink) Reply(context.Context, string, string, any) error { return nil }
func (f *fakeSink) ReplyError(context.Context, string, *agenterr.Error) error { return nil }
func (f *fakeSink) Emit(_ context.Context, msgType string, _ any) error {
	f.emitted = append(f.emitted, msgType)
	return nil
}

func newManager(t *testing.T) (*Manager, *settings.Store) {
	t.Helper()
	store, err := settings.Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	bridge := frontendbridge.New(store)
	m := &Manager{
		Store:      store,
		Bridge:     bridge,
		Telemetry:  telemetry.NewCollector(),
		ConsoleLog: consolelog.NewCollector(),
		GameLog:    gamelog.NewTailer(),
		Upload:     upload.NewCoordinator(store, bridge, artwork.NewPendingStore(), nil),
		Pending:    artwork.NewPendingStore(),
	}
	return m, store
}

func TestOnAuthNotifiesHubConnectedAndSkipsPumpsWhenDisabled(t *testing.T) {
	m, store := newManager(t)
	_ = store.SetAuthorizedHub("hub-1", settings.AuthorizedHub{Name: "My Hub"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.OnAuth(ctx, "hub-1", &fakeSink{})

	ev, ok, err := m.Bridge.GetEvent("hub_connected")
	if err != nil || !ok {
		t.Fatalf("expected a hub_connected event, ok=%v err=%v", ok, err)
	}
	if string(ev.Data) == "" {
		t.Fatal("expected non-empty event data")
	}
	if m.Telemetry.Running() {
		t.Error("telemetry should not start when disabled")
	}
	if m.ConsoleLog.Running() {
		t.Error("console log should not start when disabled")
	}
}

func TestOnAuthStartsEnabledPumps(t *testing.T) {
	m, store := newManager(t)
	_ = store.SetTelemetryEnabled(true)
	_ = store.SetTelemetryInterval(1)
	_ = store.SetConsoleLogEnabled(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.OnAuth(ctx, "hub-1", &fakeSink{})

	if !m.Telemetry.Running() {
		t.Error("expected telemetry to be running")
	}
	if !m.ConsoleLog.Running() {
		t.Error("expected console log to be running")
	}
	m.Telemetry.Stop()
	m.ConsoleLog.Stop()
}

func TestOnDisconnectClearsStateAndNotifies(t *testing.T) {
	m, _ := newManager(t)
	m.Pending.Set("icon", artwork.PendingImage{DataB64: "abc", Format: "png"})

	m.OnDisconnect("hub-1")

	if len(m.Pending.TakeAll()) != 0 {
		t.Error("expected pending artwork cleared")
	}
	if _, ok, _ := m.Bridge.GetEvent("hub_disconnected"); !ok {
		t.Error("expected a hub_disconnected event")
	}
	if _, ok, _ := m.Bridge.GetEvent("console_log_toggle"); !ok {
		t.Error("expected a console_log_toggle event")
	}
}

func TestOnDisconnectIsSafeWithNothingRunning(t *testing.T) {
	m, _ := newManager(t)
	done := make(chan struct{})
	go func() {
		m.OnDisconnect("hub-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect blocked with nothing running")
	}
}
