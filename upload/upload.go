// Package upload coordinates receiving a game install: one Session per
// in-flight transfer, a shared JSON/binary chunk writer, and the
// bulk-channel handoff to package bulktransfer for large payloads.
// Grounded on original_source/upload.py and
// original_source/handlers/upload.py.
package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/capydeploy/agent/agenterr"
	"github.com/capydeploy/agent/artwork"
	"github.com/capydeploy/agent/bulktransfer"
	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/session"
	"github.com/capydeploy/agent/settings"
	"github.com/capydeploy/agent/steamfs"
	"github.com/capydeploy/agent/wire"
)

// ChunkSize is the control-channel chunk size the Hub is told to use; the
// bulk TCP channel, when available, ignores it and streams whole files.
const ChunkSize = 1024 * 1024

// Session tracks one in-flight install.
type Session struct {
	ID          string
	GameName    string
	TotalSize   int64
	Files       []string
	Transferred int64
	CurrentFile string
	Status      string // "active", "complete", "cancelled"
	InstallPath string
	Executable  string
	TCP         *bulktransfer.Server
}

// Progress returns percent complete, treating a zero-size transfer as done.
func (s *Session) Progress() float64 {
	if s.TotalSize == 0 {
		return 100
	}
	return float64(s.Transferred) / float64(s.TotalSize) * 100
}

// Coordinator owns every in-flight Session and the collaborators needed to
// finish one: the settings store (tracked shortcuts), the frontend bridge
// (progress/lifecycle notifications), and the pending-artwork store shared
// with the in-band binary artwork path.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store      *settings.Store
	bridge     *frontendbridge.Bridge
	pending    *artwork.PendingStore
	obs        observability.AgentObserver
	httpClient *http.Client
}

func NewCoordinator(store *settings.Store, bridge *frontendbridge.Bridge, pending *artwork.PendingStore, obs observability.AgentObserver) *Coordinator {
	if obs == nil {
		obs = observability.Noop
	}
	return &Coordinator{
		sessions:   make(map[string]*Session),
		store:      store,
		bridge:     bridge,
		pending:    pending,
		obs:        obs,
		httpClient: &http.Client{},
	}
}

func newUploadID() string {
	return fmt.Sprintf("upload-%d-%d", time.Now().Unix(), 1000+rand.Intn(9000))
}

type initUploadPayload struct {
	Config struct {
		GameName   string `json:"gameName"`
		Executable string `json:"executable"`
	} `json:"config"`
	TotalSize int64    `json:"totalSize"`
	Files     []string `json:"files"`
}

// InitUpload is the init_upload handler.
func (c *Coordinator) InitUpload(ctx context.Context, sink session.Sink, peerID, id string, raw json.RawMessage) error {
	var p initUploadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "malformed init_upload payload", err)
	}
	gameName := p.Config.GameName
	if gameName == "" {
		gameName = "Unknown"
	}
	if err := bulktransfer.ValidatePath(gameName); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, fmt.Sprintf("invalid game name: %v", err), err)
	}

	uploadID := newUploadID()
	installBase := steamfs.ExpandPath(c.store.InstallPath())
	installPath := filepath.Join(installBase, gameName)
	if err := os.MkdirAll(installPath, 0o755); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "failed to create install directory", err)
	}

	sess := &Session{
		ID:          uploadID,
		GameName:    gameName,
		TotalSize:   p.TotalSize,
		Files:       p.Files,
		Status:      "active",
		InstallPath: installPath,
		Executable:  p.Config.Executable,
	}
	c.mu.Lock()
	c.sessions[uploadID] = sess
	c.mu.Unlock()

	c.obs.UploadStarted()
	_ = c.bridge.Notify("operation_event", map[string]any{
		"type":     "install",
		"status":   "start",
		"gameName": gameName,
		"progress": 0,
	})

	resp := map[string]any{
		"uploadId":  uploadID,
		"chunkSize": ChunkSize,
	}

	tcp := bulktransfer.NewServer()
	port, token, err := tcp.Start()
	if err != nil {
		tcp = nil
	} else {
		sess.TCP = tcp
		resp["tcpPort"] = port
		resp["tcpToken"] = token
	}

	if err := sink.Reply(ctx, id, "upload_init_response", resp); err != nil {
		return nil
	}

	if tcp != nil {
		go c.runBulkTransfer(ctx, sess, tcp)
	}
	return nil
}

func (c *Coordinator) runBulkTransfer(ctx context.Context, sess *Session, tcp *bulktransfer.Server) {
	var lastPct float64
	lastTime := time.Now()
	total, err := tcp.AcceptAndReceive(ctx, sess.InstallPath, func(totalBytes int64, currentFile string) {
		c.mu.Lock()
		sess.Transferred = totalBytes
		sess.CurrentFile = currentFile
		pct := sess.Progress()
		c.mu.Unlock()

		now := time.Now()
		if pct >= 100 || (pct-lastPct) >= 2 || now.Sub(lastTime) >= 500*time.Millisecond {
			lastPct = pct
			lastTime = now
			_ = c.bridge.Notify("upload_progress", map[string]any{
				"uploadId":         sess.ID,
				"transferredBytes": totalBytes,
				"totalBytes":       sess.TotalSize,
				"currentFile":      currentFile,
				"percentage":       pct,
			})
		}
	})
	if err != nil {
		c.obs.UploadBytes(total)
		return
	}
	c.obs.UploadBytes(total)
}

// writeChunk is shared by the JSON and binary upload_chunk paths.
func (c *Coordinator) writeChunk(ctx context.Context, sink session.Sink, id, uploadID, filePath string, offset int64, data []byte) error {
	c.mu.Lock()
	sess, ok := c.sessions[uploadID]
	c.mu.Unlock()
	if !ok {
		return agenterr.New(agenterr.StageUpload, agenterr.CodeNotFound, "upload not found")
	}
	if err := bulktransfer.ValidatePath(filePath); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, fmt.Sprintf("invalid file path: %v", err), err)
	}

	fullPath := filepath.Join(sess.InstallPath, filePath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "failed to create directory", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(fullPath, flags, 0o644)
	if err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "failed to open file", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "seek failed", err)
		}
	}
	_, werr := f.Write(data)
	f.Close()
	if werr != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "write failed", werr)
	}

	c.mu.Lock()
	sess.Transferred += int64(len(data))
	sess.CurrentFile = filePath
	transferred := sess.Transferred
	pct := sess.Progress()
	c.mu.Unlock()

	c.obs.UploadBytes(int64(len(data)))
	_ = c.bridge.Notify("upload_progress", map[string]any{
		"uploadId":         uploadID,
		"transferredBytes": transferred,
		"totalBytes":       sess.TotalSize,
		"currentFile":      filePath,
		"percentage":       pct,
	})

	return sink.Reply(ctx, id, "upload_chunk_response", map[string]any{
		"uploadId":     uploadID,
		"bytesWritten": len(data),
		"totalWritten": transferred,
	})
}

type uploadChunkPayload struct {
	UploadID string `json:"uploadId"`
	FilePath string `json:"filePath"`
	Offset   int64  `json:"offset"`
	Data     string `json:"data"`
}

// UploadChunk is the control-channel JSON upload_chunk handler.
func (c *Coordinator) UploadChunk(ctx context.Context, sink session.Sink, peerID, id string, raw json.RawMessage) error {
	var p uploadChunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "malformed upload_chunk payload", err)
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "invalid base64 chunk data", err)
	}
	return c.writeChunk(ctx, sink, id, p.UploadID, p.FilePath, p.Offset, data)
}

// BinaryUploadChunk is the binary-frame upload_chunk handler (the default
// route for any binary frame whose header isn't "artwork_image").
func (c *Coordinator) BinaryUploadChunk(ctx context.Context, sink session.Sink, peerID string, header wire.BinaryHeader, payload []byte) {
	_ = c.writeChunk(ctx, sink, header.ID, header.UploadID, header.FilePath, header.Offset, payload)
}

type shortcutConfig struct {
	Name    string            `json:"name"`
	Artwork map[string]string `json:"artwork"`
}

type completeUploadPayload struct {
	UploadID       string         `json:"uploadId"`
	CreateShortcut bool           `json:"createShortcut"`
	Shortcut       shortcutConfig `json:"shortcut"`
}

// CompleteUpload is the complete_upload handler: stops the bulk channel,
// optionally requests shortcut creation with merged URL/in-band artwork,
// and tears the session down.
func (c *Coordinator) CompleteUpload(ctx context.Context, sink session.Sink, peerID, id string, raw json.RawMessage) error {
	var p completeUploadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "malformed complete_upload payload", err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[p.UploadID]
	c.mu.Unlock()
	if !ok {
		return agenterr.New(agenterr.StageUpload, agenterr.CodeNotFound, "upload not found")
	}

	if sess.TCP != nil {
		sess.TCP.Stop()
		sess.TCP = nil
	}
	sess.Status = "complete"

	result := map[string]any{
		"success": true,
		"path":    sess.InstallPath,
	}

	if p.CreateShortcut && (p.Shortcut.Name != "" || len(p.Shortcut.Artwork) > 0) {
		exeName := filepath.Base(strings.ReplaceAll(sess.Executable, `\`, "/"))
		exePath := filepath.Join(sess.InstallPath, exeName)
		if _, err := os.Stat(exePath); err == nil {
			_ = os.Chmod(exePath, 0o755)
		}
		quotedStartDir := `"` + sess.InstallPath + `"`
		shortcutName := p.Shortcut.Name
		if shortcutName == "" {
			shortcutName = sess.GameName
		}

		artworkOut := make(map[string]artwork.Downloaded)
		if len(p.Shortcut.Artwork) > 0 {
			for k, v := range artwork.DownloadArtwork(ctx, c.httpClient, p.Shortcut.Artwork) {
				artworkOut[k] = v
			}
		}
		for k, v := range c.pending.TakeAll() {
			artworkOut[k] = artwork.Downloaded{Data: v.DataB64, Format: v.Format}
		}

		_ = c.bridge.Notify("create_shortcut", map[string]any{
			"name":     shortcutName,
			"exe":      exePath,
			"startDir": quotedStartDir,
			"artwork":  artworkOut,
			"iconUrl":  p.Shortcut.Artwork["icon"],
		})

		_ = c.store.AppendTrackedShortcut(settings.TrackedShortcut{
			Name:        shortcutName,
			GameName:    sess.GameName,
			Exe:         exePath,
			StartDir:    sess.InstallPath,
			InstalledAt: time.Now().Unix(),
		})
	}

	_ = c.bridge.Notify("operation_event", map[string]any{
		"type":     "install",
		"status":   "complete",
		"gameName": sess.GameName,
		"progress": 100,
	})
	c.obs.UploadFinished(observability.UploadResultComplete)

	c.mu.Lock()
	delete(c.sessions, p.UploadID)
	c.mu.Unlock()

	return sink.Reply(ctx, id, "operation_result", result)
}

type cancelUploadPayload struct {
	UploadID string `json:"uploadId"`
}

// CancelUpload is the cancel_upload handler.
func (c *Coordinator) CancelUpload(ctx context.Context, sink session.Sink, peerID, id string, raw json.RawMessage) error {
	var p cancelUploadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return agenterr.Wrap(agenterr.StageUpload, agenterr.CodeBadRequest, "malformed cancel_upload payload", err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[p.UploadID]
	if ok {
		delete(c.sessions, p.UploadID)
	}
	c.mu.Unlock()

	if ok {
		if sess.TCP != nil {
			sess.TCP.Stop()
			sess.TCP = nil
		}
		sess.Status = "cancelled"
		if sess.InstallPath != "" {
			_ = os.RemoveAll(sess.InstallPath)
		}
		c.obs.UploadFinished(observability.UploadResultCancelled)
	}

	return sink.Reply(ctx, id, "operation_result", map[string]any{"success": true})
}

// CleanupOrphaned removes every active session's partial install directory.
// Called from session.Lifecycle.OnDisconnect, matching
// original_source/handlers/upload.py#cleanup_orphaned_uploads.
func (c *Coordinator) CleanupOrphaned() {
	c.mu.Lock()
	orphaned := make([]*Session, 0)
	for id, sess := range c.sessions {
		if sess.Status == "active" {
			orphaned = append(orphaned, sess)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, sess := range orphaned {
		if sess.TCP != nil {
			sess.TCP.Stop()
		}
		if sess.InstallPath != "" {
			_ = os.RemoveAll(sess.InstallPath)
		}
		c.obs.UploadFinished(observability.UploadResultOrphaned)
	}
}
