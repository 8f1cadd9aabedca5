// Package frontendbridge is the durable notification channel the rest of
// the agent uses to tell its one peer about things that happen
// asynchronously: install progress, shortcut creation, artwork arriving,
// pairing lifecycle, server errors. It exists because the original agent's
// frontend was a separate always-polling process decoupled from any one
// WebSocket connection; this agent keeps that decoupling even though its
// only "frontend" now is the Hub itself, polling via get_event, so a
// notification survives a disconnect/reconnect instead of being lost the
// instant nobody happens to be listening. Grounded on
// original_source/main.py's notify_frontend/get_event pair.
package frontendbridge

import (
	"encoding/json"
	"time"

	"github.com/capydeploy/agent/settings"
)

// queuedEvents must never be dropped in favor of a newer one of the same
// type: each occurrence matters (an install progressing through several
// states, several shortcuts being created in a row). Every other event
// type is a pure "most recent wins" slot.
var queuedEvents = map[string]bool{
	"operation_event":    true,
	"create_shortcut":    true,
	"remove_shortcut":    true,
	"update_artwork":     true,
	"pairing_code":       true,
	"pairing_success":    true,
	"pairing_locked":     true,
	"hub_connected":      true,
	"hub_disconnected":   true,
	"server_error":       true,
	"console_log_toggle": true,
}

// Event is one notification as returned by GetEvent: a timestamp and the
// caller-supplied payload.
type Event struct {
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Bridge wraps a settings.Store with the queue/slot notification protocol.
type Bridge struct {
	store *settings.Store
	now   func() time.Time
}

func New(store *settings.Store) *Bridge {
	return &Bridge{store: store, now: time.Now}
}

// Notify records an event for later delivery: appended to a capped queue
// for event types that must never be lost, or written to a single
// overwritable slot for everything else (progress-style events where only
// the latest value matters).
func (b *Bridge) Notify(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	entry := Event{Timestamp: b.now().Unix(), Data: raw}
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if queuedEvents[event] {
		return b.store.QueuePush(event, entryRaw)
	}
	return b.store.SlotSet(event, entryRaw)
}

// GetEvent pops the oldest queued occurrence of event if any are pending,
// otherwise reads and clears its overwrite slot. Reports whether an event
// was found.
func (b *Bridge) GetEvent(event string) (Event, bool, error) {
	if queuedEvents[event] {
		raw, ok, err := b.store.QueuePop(event)
		if err != nil || !ok {
			return Event{}, false, err
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return Event{}, false, err
		}
		return e, true, nil
	}
	raw, ok := b.store.SlotGet(event)
	if !ok {
		return Event{}, false, nil
	}
	if err := b.store.SlotClear(event); err != nil {
		return Event{}, false, err
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}
