// Package handlers implements the control-channel RPC surface registered
// on a session.Router. Each exported function matches session.Handler and
// is grounded on one of original_source/handlers/*.py or, for the
// settings-toggle/game-management methods that the original exposed only
// as in-process Decky frontend-API calls (main.py's Plugin class methods),
// on that same method lifted onto the wire since this agent has no
// separate local frontend channel.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/capydeploy/agent/agenterr"
	"github.com/capydeploy/agent/artwork"
	"github.com/capydeploy/agent/consolelog"
	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/gamelog"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/pairing"
	"github.com/capydeploy/agent/session"
	"github.com/capydeploy/agent/settings"
	"github.com/capydeploy/agent/steamfs"
	"github.com/capydeploy/agent/telemetry"
)

// Deps is every shared dependency an RPC handler body needs. One Deps is
// constructed at startup and its methods registered onto a session.Router.
type Deps struct {
	Store      *settings.Store
	Bridge     *frontendbridge.Bridge
	Pairing    *pairing.Authority
	Server     *session.Server
	Telemetry  *telemetry.Collector
	ConsoleLog *consolelog.Collector
	GameLog    *gamelog.Tailer
	HTTPClient *http.Client
	Obs        observability.AgentObserver

	Version string
}

// Register wires every handler onto r, matching ws_server.py's HANDLERS
// dict plus main.py's Plugin frontend-API surface (see DESIGN.md for the
// methods deliberately left unregistered).
func (d *Deps) Register(r *session.Router) {
	r.Register("get_info", d.GetInfo)
	r.Register("get_config", d.GetConfig)
	r.Register("get_steam_users", d.GetSteamUsers)
	r.Register("list_shortcuts", d.ListShortcuts)
	r.Register("delete_game", d.DeleteGame)
	r.Register("restart_steam", d.RestartSteam)
	r.Register("set_console_log_filter", d.SetConsoleLogFilter)
	r.Register("set_console_log_enabled", d.SetConsoleLogEnabled)
	r.Register("set_agent_name", d.SetAgentName)
	r.Register("set_install_path", d.SetInstallPath)
	r.Register("set_telemetry_enabled", d.SetTelemetryEnabled)
	r.Register("set_telemetry_interval", d.SetTelemetryInterval)
	r.Register("register_shortcut", d.RegisterShortcut)
	r.Register("set_shortcut_icon", d.SetShortcutIcon)
	r.Register("set_shortcut_icon_from_url", d.SetShortcutIconFromURL)
	r.Register("get_authorized_hubs", d.GetAuthorizedHubs)
	r.Register("revoke_hub", d.RevokeHub)
	r.Register("get_pairing_lockout", d.GetPairingLockout)
	r.Register("reset_pairing_lockout", d.ResetPairingLockout)
	r.Register("get_installed_games", d.GetInstalledGames)
	r.Register("uninstall_game", d.UninstallGame)
	r.Register("game_lifecycle_event", d.GameLifecycleEvent)
}

func badRequest(err error) *agenterr.Error {
	return agenterr.Wrap(agenterr.StageProtocol, agenterr.CodeBadRequest, "malformed payload", err)
}

// GetInfo answers info.py#handle_get_info. acceptConnections always
// reports true: this agent has no Decky-style enable/disable toggle, the
// process either is running (and able to answer) or isn't.
func (d *Deps) GetInfo(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	return sink.Reply(ctx, id, "info_response", map[string]any{
		"agent": map[string]any{
			"id":                d.Store.AgentID(),
			"name":              d.Store.AgentName(),
			"platform":          steamfs.DetectPlatform(),
			"version":           d.Version,
			"acceptConnections": true,
		},
	})
}

// GetConfig answers info.py#handle_get_config.
func (d *Deps) GetConfig(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	return sink.Reply(ctx, id, "config_response", map[string]any{
		"installPath": d.Store.InstallPath(),
	})
}

// GetSteamUsers answers info.py#handle_get_steam_users.
func (d *Deps) GetSteamUsers(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	steamDir := steamfs.SteamDir()
	users := steamfs.SteamUsers(steamDir)
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{"id": u.ID})
	}
	return sink.Reply(ctx, id, "steam_users_response", map[string]any{"users": out})
}

// ListShortcuts answers game.py#handle_list_shortcuts, reading from tracked
// shortcuts rather than re-parsing shortcuts.vdf: SteamClient writes the
// VDF lazily, so the persisted tracking list is the source of truth.
func (d *Deps) ListShortcuts(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	tracked := d.Store.TrackedShortcuts()
	out := make([]map[string]any, 0, len(tracked))
	for _, sc := range tracked {
		out = append(out, map[string]any{
			"appId":         sc.AppID,
			"name":          sc.Name,
			"exe":           sc.Exe,
			"startDir":      sc.StartDir,
			"launchOptions": "",
			"lastPlayed":    0,
		})
	}
	return sink.Reply(ctx, id, "shortcuts_response", map[string]any{"shortcuts": out})
}

type deleteGameRequest struct {
	AppID int64 `json:"appId"`
}

// DeleteGame answers game.py#handle_delete_game: removes the install
// folder, tells the hub to drop the Steam shortcut, and untracks it.
func (d *Deps) DeleteGame(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req deleteGameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}

	var game *settings.TrackedShortcut
	for _, sc := range d.Store.TrackedShortcuts() {
		sc := sc
		if sc.AppID == req.AppID {
			game = &sc
			break
		}
	}
	if game == nil {
		return sink.ReplyError(ctx, id, agenterr.New(agenterr.StageSession, agenterr.CodeNotFound, "game not found"))
	}

	_ = d.Bridge.Notify("operation_event", map[string]any{
		"type": "delete", "status": "start", "gameName": game.Name, "progress": 0, "message": "Deleting...",
	})

	if game.StartDir != "" {
		_ = os.RemoveAll(game.StartDir)
	}

	_ = d.Bridge.Notify("remove_shortcut", map[string]any{"appId": game.AppID})
	_ = d.Store.RemoveTrackedShortcut(game.AppID)

	_ = d.Bridge.Notify("operation_event", map[string]any{
		"type": "delete", "status": "complete", "gameName": game.Name, "progress": 100, "message": "Deleted",
	})

	return sink.Reply(ctx, id, "operation_result", map[string]any{
		"status": "deleted", "gameName": game.Name, "steamRestarted": false,
	})
}

// RestartSteam answers game.py#handle_restart_steam: in Gaming Mode the
// session manager restarts Steam automatically after -shutdown.
func (d *Deps) RestartSteam(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	if err := exec.Command("steam", "-shutdown").Start(); err != nil {
		return sink.Reply(ctx, id, "steam_response", map[string]any{"success": false, "message": err.Error()})
	}
	return sink.Reply(ctx, id, "steam_response", map[string]any{"success": true, "message": "restarting"})
}

type consoleLogFilterRequest struct {
	LevelMask int `json:"levelMask"`
}

// SetConsoleLogFilter answers console_log.py#handle_set_console_log_filter.
func (d *Deps) SetConsoleLogFilter(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	req := consoleLogFilterRequest{LevelMask: 15}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return sink.ReplyError(ctx, id, badRequest(err))
		}
	}
	d.ConsoleLog.SetLevelMask(req.LevelMask)
	_ = d.Store.SetConsoleLogLevelMask(req.LevelMask)
	return sink.Reply(ctx, id, "set_console_log_filter", map[string]any{"levelMask": req.LevelMask})
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetConsoleLogEnabled answers console_log.py#handle_set_console_log_enabled,
// toggling the live pump bound directly to this connection's sink as well
// as the persisted setting lifecycle.Manager consults on the next auth.
func (d *Deps) SetConsoleLogEnabled(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req enabledRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	_ = d.Store.SetConsoleLogEnabled(req.Enabled)
	if req.Enabled {
		d.ConsoleLog.SetLevelMask(d.Store.ConsoleLogLevelMask())
		d.ConsoleLog.Start(ctx, func(ctx context.Context, b consolelog.Batch) error {
			return sink.Emit(ctx, "console_log_data", b)
		})
	} else {
		d.ConsoleLog.Stop()
	}
	_ = d.Bridge.Notify("console_log_toggle", map[string]any{"enabled": req.Enabled})
	return sink.Reply(ctx, id, "set_console_log_enabled", map[string]any{"enabled": req.Enabled})
}

type nameRequest struct {
	Name string `json:"name"`
}

// SetAgentName answers main.py#Plugin.set_agent_name.
func (d *Deps) SetAgentName(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req nameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	if err := d.Store.SetAgentName(req.Name); err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "could not save agent name", err))
	}
	return sink.Reply(ctx, id, "agent_name_response", map[string]any{"name": req.Name})
}

type pathRequest struct {
	Path string `json:"path"`
}

// SetInstallPath answers main.py#Plugin.set_install_path, creating the
// expanded directory immediately the way the original does.
func (d *Deps) SetInstallPath(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req pathRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	if err := os.MkdirAll(steamfs.ExpandPath(req.Path), 0o755); err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "could not create install path", err))
	}
	if err := d.Store.SetInstallPath(req.Path); err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "could not save install path", err))
	}
	return sink.Reply(ctx, id, "config_response", map[string]any{"installPath": req.Path})
}

// SetTelemetryEnabled answers main.py#Plugin.set_telemetry_enabled: starts
// or stops the live pump on this connection and always reports back the
// resulting status, matching the original's send_telemetry_status tail.
func (d *Deps) SetTelemetryEnabled(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req enabledRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	_ = d.Store.SetTelemetryEnabled(req.Enabled)
	if req.Enabled {
		interval := telemetry.ClampInterval(time.Duration(d.Store.TelemetryInterval()) * time.Second)
		d.Telemetry.Start(ctx, interval, d.Obs, func(ctx context.Context, s telemetry.Sample) error {
			return sink.Emit(ctx, "telemetry_data", s)
		})
	} else {
		d.Telemetry.Stop()
	}
	return sink.Reply(ctx, id, "telemetry_status", map[string]any{
		"enabled": req.Enabled, "interval": d.Store.TelemetryInterval(),
	})
}

type intervalRequest struct {
	Seconds int `json:"seconds"`
}

// SetTelemetryInterval answers main.py#Plugin.set_telemetry_interval,
// clamping to [1,10] seconds exactly like the original's max(1,min(s,10)).
func (d *Deps) SetTelemetryInterval(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req intervalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	clamped := telemetry.ClampInterval(time.Duration(req.Seconds) * time.Second)
	seconds := int(clamped / time.Second)
	_ = d.Store.SetTelemetryInterval(seconds)
	if d.Telemetry.Running() {
		d.Telemetry.UpdateInterval(ctx, clamped, d.Obs, func(ctx context.Context, s telemetry.Sample) error {
			return sink.Emit(ctx, "telemetry_data", s)
		})
	}
	return sink.Reply(ctx, id, "telemetry_status", map[string]any{
		"enabled": d.Store.TelemetryEnabled(), "interval": seconds,
	})
}

type registerShortcutRequest struct {
	GameName string `json:"gameName"`
	AppID    int64  `json:"appId"`
}

// RegisterShortcut answers main.py#Plugin.register_shortcut: the frontend
// created a Steam shortcut out-of-band via SteamClient and is reporting
// back the appId Steam assigned it, to fill in the appId-0 placeholder
// left by the upload that created it.
func (d *Deps) RegisterShortcut(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req registerShortcutRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	registered, err := d.Store.RegisterTrackedShortcutAppID(req.GameName, req.AppID)
	if err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "could not register shortcut", err))
	}
	return sink.Reply(ctx, id, "register_shortcut_result", map[string]any{"registered": registered})
}

type shortcutIconRequest struct {
	AppID      int64  `json:"appId"`
	IconB64    string `json:"iconB64"`
	IconFormat string `json:"iconFormat"`
}

// SetShortcutIcon answers main.py#Plugin.set_shortcut_icon.
func (d *Deps) SetShortcutIcon(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req shortcutIconRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	ok, err := artwork.SetShortcutIcon(ctx, req.AppID, req.IconB64, req.IconFormat)
	if err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageArtwork, agenterr.CodeBadRequest, "could not set shortcut icon", err))
	}
	return sink.Reply(ctx, id, "shortcut_icon_result", map[string]any{"success": ok})
}

type shortcutIconFromURLRequest struct {
	AppID   int64  `json:"appId"`
	IconURL string `json:"iconUrl"`
}

// SetShortcutIconFromURL answers main.py#Plugin.set_shortcut_icon_from_url.
func (d *Deps) SetShortcutIconFromURL(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req shortcutIconFromURLRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	ok, err := artwork.SetShortcutIconFromURL(ctx, d.HTTPClient, req.AppID, req.IconURL)
	if err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageArtwork, agenterr.CodeBadRequest, "could not download shortcut icon", err))
	}
	return sink.Reply(ctx, id, "shortcut_icon_result", map[string]any{"success": ok})
}

// GetAuthorizedHubs answers main.py#Plugin.get_authorized_hubs.
func (d *Deps) GetAuthorizedHubs(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	hubs := d.Store.AuthorizedHubs()
	out := make([]map[string]any, 0, len(hubs))
	for hubID, h := range hubs {
		out = append(out, map[string]any{
			"id": hubID, "name": h.Name, "platform": h.Platform, "pairedAt": h.PairedAt,
		})
	}
	return sink.Reply(ctx, id, "authorized_hubs_response", map[string]any{"hubs": out})
}

type hubIDRequest struct {
	HubID string `json:"hubId"`
}

// RevokeHub answers main.py#Plugin.revoke_hub, force-disconnecting the hub
// if it is the one currently connected.
func (d *Deps) RevokeHub(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req hubIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	if _, ok := d.Store.AuthorizedHub(req.HubID); !ok {
		return sink.Reply(ctx, id, "revoke_hub_result", map[string]any{"revoked": false})
	}
	_ = d.Store.RevokeHub(req.HubID)
	if d.Server != nil {
		if cur, ok := d.Server.Current(); ok && cur.PeerID() == req.HubID {
			cur.Close()
		}
	}
	return sink.Reply(ctx, id, "revoke_hub_result", map[string]any{"revoked": true})
}

// GetPairingLockout answers main.py#Plugin.get_pairing_lockout.
func (d *Deps) GetPairingLockout(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	remaining := d.Pairing.LockoutRemaining()
	return sink.Reply(ctx, id, "pairing_lockout_response", map[string]any{
		"locked":           remaining > 0,
		"remainingSeconds": int(remaining / time.Second),
	})
}

// ResetPairingLockout answers main.py#Plugin.reset_pairing_lockout.
func (d *Deps) ResetPairingLockout(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	d.Pairing.ResetLockout()
	return sink.Reply(ctx, id, "pairing_lockout_reset", map[string]any{"ok": true})
}

// GetInstalledGames answers main.py#Plugin.get_installed_games: walks the
// install path and cross-references each top-level folder name against
// the tracked-shortcuts name→appId lookup.
func (d *Deps) GetInstalledGames(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	expanded := steamfs.ExpandPath(d.Store.InstallPath())
	nameToAppID := make(map[string]int64)
	for _, sc := range d.Store.TrackedShortcuts() {
		if sc.AppID == 0 {
			continue
		}
		if sc.GameName != "" {
			nameToAppID[sc.GameName] = sc.AppID
		}
		if sc.Name != "" {
			nameToAppID[sc.Name] = sc.AppID
		}
	}

	var games []map[string]any
	entries, err := os.ReadDir(expanded)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			gamePath := filepath.Join(expanded, e.Name())
			games = append(games, map[string]any{
				"name":  e.Name(),
				"path":  gamePath,
				"size":  dirSize(gamePath),
				"appId": nameToAppID[e.Name()],
			})
		}
	}
	return sink.Reply(ctx, id, "installed_games_response", map[string]any{"games": games})
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

type gameNameRequest struct {
	GameName string `json:"gameName"`
}

// UninstallGame answers main.py#Plugin.uninstall_game: removes the install
// folder and untracks the matching shortcut, reporting back its appId (0
// if it was never tracked) so the caller can also drop the Steam entry.
func (d *Deps) UninstallGame(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req gameNameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	expanded := steamfs.ExpandPath(d.Store.InstallPath())
	gamePath := filepath.Join(expanded, req.GameName)
	info, err := os.Stat(gamePath)
	if err != nil || !info.IsDir() {
		return sink.Reply(ctx, id, "uninstall_result", map[string]any{"found": false, "appId": 0})
	}
	if err := os.RemoveAll(gamePath); err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "could not remove game folder", err))
	}

	appID, err := d.Store.RemoveTrackedShortcutByName(req.GameName)
	if err != nil {
		return sink.ReplyError(ctx, id, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "could not untrack game", err))
	}
	return sink.Reply(ctx, id, "uninstall_result", map[string]any{"found": true, "appId": appID})
}

type gameLifecycleRequest struct {
	AppID   int64 `json:"appId"`
	Running bool  `json:"running"`
}

// GameLifecycleEvent starts or stops the game log tailer for the reported
// appId. This message has
// no counterpart in ws_server.py's HANDLERS dict: the original drives game
// log start/stop from its wrapper script's own process lifecycle, which
// this standalone agent doesn't have, so the hub notifies it directly
// instead when a game launches or exits.
func (d *Deps) GameLifecycleEvent(ctx context.Context, sink session.Sink, peerID, id string, payload json.RawMessage) error {
	var req gameLifecycleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return sink.ReplyError(ctx, id, badRequest(err))
	}
	if req.Running {
		d.GameLog.Start(ctx, req.AppID, func(ctx context.Context, b consolelog.Batch) error {
			return sink.Emit(ctx, "console_log_data", b)
		})
	} else {
		d.GameLog.Stop()
	}
	return sink.Reply(ctx, id, "game_lifecycle_event", map[string]any{
		"appId": req.AppID, "running": req.Running,
	})
}
