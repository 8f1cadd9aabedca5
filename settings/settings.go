// Package settings is the agent's persisted configuration store: the
// contract boundary spec.md calls "a typed key-value store". There is no
// embedded database library anywhere in the reference corpus for this, so
// the store is a small JSON document guarded by a mutex and written
// atomically on every change. Writers include the pairing authority, the
// upload coordinator, the RPC handlers, the frontend bridge's queues and
// slots, and the entrypoint's startup bootstrap; every write takes the
// store's mutex.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/capydeploy/agent/internal/securefile"
)

// AuthorizedHub is one persisted pairing record.
type AuthorizedHub struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
	PairedAt int64  `json:"pairedAt"`
}

// TrackedShortcut records a shortcut the agent created, for list_shortcuts,
// get_installed_games, and delete_game/uninstall_game cleanup.
type TrackedShortcut struct {
	AppID       int64  `json:"appId"`
	Name        string `json:"name"`
	GameName    string `json:"gameName"`
	Exe         string `json:"exe"`
	StartDir    string `json:"startDir"`
	InstalledAt int64  `json:"installedAt"`
}

type document struct {
	AgentID             string                    `json:"agent_id"`
	AgentName           string                    `json:"agent_name"`
	InstallPath         string                    `json:"install_path"`
	AuthorizedHubs      map[string]AuthorizedHub  `json:"authorized_hubs"`
	TrackedShortcuts    []TrackedShortcut         `json:"tracked_shortcuts"`
	TelemetryEnabled    bool                      `json:"telemetry_enabled"`
	TelemetryInterval   int                       `json:"telemetry_interval"`
	ConsoleLogEnabled   bool                      `json:"console_log_enabled"`
	ConsoleLogLevelMask int                       `json:"console_log_level_mask"`
	Queues              map[string][]json.RawMessage `json:"queues"`
	Slots               map[string]json.RawMessage   `json:"slots"`
}

func emptyDocument() document {
	return document{
		AuthorizedHubs:      make(map[string]AuthorizedHub),
		TelemetryInterval:   5,
		ConsoleLogLevelMask: 15,
		Queues:              make(map[string][]json.RawMessage),
		Slots:               make(map[string]json.RawMessage),
	}
}

// Store is the process-wide settings document. Queue keys are swept clean
// at Load, matching spec §6's "queue keys are swept clean at startup".
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Load reads path if it exists, or starts from an empty document. Queues
// are always reset on load.
func Load(path string) (*Store, error) {
	s := &Store{path: path, doc: emptyDocument()}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.AuthorizedHubs == nil {
		s.doc.AuthorizedHubs = make(map[string]AuthorizedHub)
	}
	s.doc.Queues = make(map[string][]json.RawMessage)
	if s.doc.Slots == nil {
		s.doc.Slots = make(map[string]json.RawMessage)
	}
	return s, nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return securefile.WriteFileAtomic(s.path, b, 0o644)
}

// AgentID / AgentName / InstallPath

func (s *Store) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.AgentID
}

func (s *Store) SetAgentID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AgentID = id
	return s.saveLocked()
}

func (s *Store) AgentName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.AgentName
}

func (s *Store) SetAgentName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AgentName = name
	return s.saveLocked()
}

func (s *Store) InstallPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.InstallPath
}

func (s *Store) SetInstallPath(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.InstallPath = p
	return s.saveLocked()
}

// Authorized hubs

func (s *Store) AuthorizedHub(peerID string) (AuthorizedHub, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.doc.AuthorizedHubs[peerID]
	return h, ok
}

func (s *Store) AuthorizedHubs() map[string]AuthorizedHub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AuthorizedHub, len(s.doc.AuthorizedHubs))
	for k, v := range s.doc.AuthorizedHubs {
		out[k] = v
	}
	return out
}

func (s *Store) SetAuthorizedHub(peerID string, h AuthorizedHub) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AuthorizedHubs[peerID] = h
	return s.saveLocked()
}

func (s *Store) RevokeHub(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.AuthorizedHubs, peerID)
	return s.saveLocked()
}

// Tracked shortcuts

func (s *Store) TrackedShortcuts() []TrackedShortcut {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackedShortcut, len(s.doc.TrackedShortcuts))
	copy(out, s.doc.TrackedShortcuts)
	return out
}

func (s *Store) AppendTrackedShortcut(sc TrackedShortcut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.TrackedShortcuts = append(s.doc.TrackedShortcuts, sc)
	return s.saveLocked()
}

func (s *Store) RemoveTrackedShortcut(appID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.doc.TrackedShortcuts[:0]
	for _, sc := range s.doc.TrackedShortcuts {
		if sc.AppID != appID {
			out = append(out, sc)
		}
	}
	s.doc.TrackedShortcuts = out
	return s.saveLocked()
}

// RemoveTrackedShortcutByName drops every tracked shortcut whose Name or
// GameName equals gameName, returning the appId of the first one removed (0
// if none matched), matching main.py#Plugin.uninstall_game's filter.
func (s *Store) RemoveTrackedShortcutByName(gameName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var appID int64
	found := false
	out := s.doc.TrackedShortcuts[:0]
	for _, sc := range s.doc.TrackedShortcuts {
		if sc.Name == gameName || sc.GameName == gameName {
			if !found {
				appID = sc.AppID
				found = true
			}
			continue
		}
		out = append(out, sc)
	}
	s.doc.TrackedShortcuts = out
	if !found {
		return 0, nil
	}
	return appID, s.saveLocked()
}

// RegisterTrackedShortcutAppID finds the first untracked (appId 0) shortcut
// whose Name or GameName matches gameName and assigns it appID in place,
// matching main.py#Plugin.register_shortcut. Reports whether a match was
// found.
func (s *Store) RegisterTrackedShortcutAppID(gameName string, appID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sc := range s.doc.TrackedShortcuts {
		if sc.AppID == 0 && (sc.GameName == gameName || sc.Name == gameName) {
			s.doc.TrackedShortcuts[i].AppID = appID
			return true, s.saveLocked()
		}
	}
	return false, nil
}

// Telemetry / console log toggles

func (s *Store) TelemetryEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.TelemetryEnabled
}

func (s *Store) SetTelemetryEnabled(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.TelemetryEnabled = v
	return s.saveLocked()
}

func (s *Store) TelemetryInterval() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.TelemetryInterval
}

func (s *Store) SetTelemetryInterval(seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.TelemetryInterval = seconds
	return s.saveLocked()
}

func (s *Store) ConsoleLogEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ConsoleLogEnabled
}

func (s *Store) SetConsoleLogEnabled(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ConsoleLogEnabled = v
	return s.saveLocked()
}

func (s *Store) ConsoleLogLevelMask() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ConsoleLogLevelMask
}

func (s *Store) SetConsoleLogLevelMask(mask int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ConsoleLogLevelMask = mask
	return s.saveLocked()
}

// Queues and slots back the frontend bridge (see package frontendbridge).
// Queues are capped at maxQueueDepth entries, dropping the oldest on overflow.

const maxQueueDepth = 50

func (s *Store) QueuePush(key string, v json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := append(s.doc.Queues[key], v)
	if len(q) > maxQueueDepth {
		q = q[len(q)-maxQueueDepth:]
	}
	s.doc.Queues[key] = q
	return s.saveLocked()
}

// QueuePop removes and returns the oldest entry, if any.
func (s *Store) QueuePop(key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.doc.Queues[key]
	if len(q) == 0 {
		return nil, false, nil
	}
	v := q[0]
	s.doc.Queues[key] = q[1:]
	if err := s.saveLocked(); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) SlotSet(key string, v json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Slots[key] = v
	return s.saveLocked()
}

func (s *Store) SlotGet(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.doc.Slots[key]
	return v, ok
}

func (s *Store) SlotClear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Slots, key)
	return s.saveLocked()
}
