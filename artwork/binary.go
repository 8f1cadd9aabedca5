package artwork

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/session"
	"github.com/capydeploy/agent/wire"
)

// PendingImage is one artwork image received in-band before the shortcut it
// belongs to exists yet (appId 0, the pre-complete_upload case).
type PendingImage struct {
	DataB64 string
	Format  string
}

// PendingStore holds artwork received for an appId-0 binary frame until the
// in-flight upload's complete_upload handler can merge it into the new
// shortcut and appID it out. One store is shared across a session's
// lifetime and cleared on disconnect, matching ws_server.py's
// self._pending_artwork dict.
type PendingStore struct {
	mu  sync.Mutex
	byType map[string]PendingImage
}

func NewPendingStore() *PendingStore {
	return &PendingStore{byType: make(map[string]PendingImage)}
}

func (p *PendingStore) Set(artworkType string, img PendingImage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType[artworkType] = img
}

// TakeAll returns a copy of everything pending and clears the store.
func (p *PendingStore) TakeAll() map[string]PendingImage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PendingImage, len(p.byType))
	for k, v := range p.byType {
		out[k] = v
	}
	p.byType = make(map[string]PendingImage)
	return out
}

// Clear drops anything pending without returning it, for session teardown.
func (p *PendingStore) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType = make(map[string]PendingImage)
}

// NewBinaryHandler builds the session.BinaryHandler for "artwork_image"
// frames. appId 0 stashes the image in pending for the next complete_upload;
// a nonzero appId writes straight into the grid directory and emits
// update_artwork, matching ws_server.py's binary frame dispatch.
func NewBinaryHandler(pending *PendingStore, bridge *frontendbridge.Bridge, obs observability.AgentObserver) session.BinaryHandler {
	if obs == nil {
		obs = observability.Noop
	}
	return func(ctx context.Context, sink session.Sink, peerID string, header wire.BinaryHeader, payload []byte) {
		if header.AppID == 0 {
			pending.Set(header.ArtworkType, PendingImage{
				DataB64: base64.StdEncoding.EncodeToString(payload),
				Format:  formatFromContentType(header.ContentType),
			})
			_ = sink.Reply(ctx, header.ID, "artwork_image_response", map[string]any{
				"success":     true,
				"artworkType": header.ArtworkType,
			})
			return
		}

		if err := ApplyFromData(header.AppID, header.ArtworkType, payload, header.ContentType); err != nil {
			obs.CatalogPatchAttempts(1, false)
			_ = sink.Reply(ctx, header.ID, "artwork_image_response", map[string]any{
				"success":     false,
				"artworkType": header.ArtworkType,
				"error":       err.Error(),
			})
			return
		}
		obs.CatalogPatchAttempts(1, true)
		_ = bridge.Notify("update_artwork", map[string]any{
			"appId":       header.AppID,
			"artworkType": header.ArtworkType,
			"data":        base64.StdEncoding.EncodeToString(payload),
			"format":      formatFromContentType(header.ContentType),
		})
		_ = sink.Reply(ctx, header.ID, "artwork_image_response", map[string]any{
			"success":     true,
			"artworkType": header.ArtworkType,
		})
	}
}

func formatFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "jpeg") || strings.Contains(ct, "jpg") {
		return "jpg"
	}
	return "png"
}
