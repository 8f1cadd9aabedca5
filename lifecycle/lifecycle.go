// Package lifecycle implements session.Lifecycle: the hooks the session
// drives on successful auth and on disconnect. Grounded on
// original_source/handlers/auth.py#handle_hub_connected (the hub_connected
// notification plus telemetry/console-log auto-start) and
// original_source/ws_server.py's handle_connection "finally" block (orphaned
// upload cleanup, pending artwork clear, pump teardown, disconnect
// notification).
package lifecycle

import (
	"context"
	"time"

	"github.com/capydeploy/agent/artwork"
	"github.com/capydeploy/agent/consolelog"
	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/gamelog"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/session"
	"github.com/capydeploy/agent/settings"
	"github.com/capydeploy/agent/telemetry"
	"github.com/capydeploy/agent/upload"
)

// Manager wires the background pumps and cleanup routines into a session's
// AUTH entry/exit. One Manager is shared across every connection the agent
// ever serves, since it holds no per-connection state itself; the session
// passes peerID and a fresh Sink on each call.
type Manager struct {
	Store      *settings.Store
	Bridge     *frontendbridge.Bridge
	Telemetry  *telemetry.Collector
	ConsoleLog *consolelog.Collector
	GameLog    *gamelog.Tailer
	Upload     *upload.Coordinator
	Pending    *artwork.PendingStore
	Obs        observability.AgentObserver
}

var _ session.Lifecycle = (*Manager)(nil)

// OnAuth notifies the bridge that a hub is now connected and starts the
// telemetry/console-log pumps if the persisted settings have them enabled,
// matching handle_hub_connected's "start telemetry if enabled" tail.
func (m *Manager) OnAuth(ctx context.Context, peerID string, sink session.Sink) {
	hub, _ := m.Store.AuthorizedHub(peerID)
	_ = m.Bridge.Notify("hub_connected", map[string]any{
		"name":    hub.Name,
		"version": "",
	})

	if m.Store.TelemetryEnabled() {
		interval := telemetry.ClampInterval(time.Duration(m.Store.TelemetryInterval()) * time.Second)
		m.Telemetry.Start(ctx, interval, m.Obs, func(ctx context.Context, s telemetry.Sample) error {
			return sink.Emit(ctx, "telemetry_data", s)
		})
	}
	if m.Store.ConsoleLogEnabled() {
		m.ConsoleLog.SetLevelMask(m.Store.ConsoleLogLevelMask())
		m.ConsoleLog.Start(ctx, func(ctx context.Context, b consolelog.Batch) error {
			return sink.Emit(ctx, "console_log_data", b)
		})
	}
}

// OnDisconnect tears every per-connection pump down, cleans up whatever the
// disconnected session left behind, and tells the bridge the hub is gone.
// Order matches ws_server.py's finally block: write pump first (the session
// itself already stopped its writer by the time this runs), then orphaned
// uploads, then pending artwork, then the pumps, then the notifications.
func (m *Manager) OnDisconnect(peerID string) {
	m.Upload.CleanupOrphaned()
	m.Pending.Clear()
	m.Telemetry.Stop()
	m.ConsoleLog.Stop()
	m.GameLog.Stop()
	_ = m.Bridge.Notify("console_log_toggle", map[string]any{"enabled": false})
	_ = m.Bridge.Notify("hub_disconnected", map[string]any{})
}
