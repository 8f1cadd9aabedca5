// Package artwork ingests Steam grid artwork (capsule, hero, logo, banner,
// icon) from URLs or in-band binary frames and writes it into the running
// Steam user's grid directory, patching shortcuts.vdf's icon field when
// needed. Grounded on original_source/artwork.py.
package artwork

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/capydeploy/agent/catalog"
	"github.com/capydeploy/agent/steamfs"
)

const (
	MaxIconRetries     = 5
	IconRetryBaseDelay = 1 * time.Second

	downloadTimeout = 15 * time.Second
	userAgent       = "CapyDeploy/0.1"
)

// artworkSuffix maps a grid artwork type to the filename suffix Steam
// expects in userdata/<id>/config/grid.
var artworkSuffix = map[string]string{
	"grid":   "p",
	"banner": "",
	"hero":   "_hero",
	"logo":   "_logo",
	"icon":   "_icon",
}

var staleExtensions = []string{"png", "jpg", "jpeg", "webp", "ico"}

var ErrNoSteamDir = errors.New("artwork: steam directory not found")
var ErrNoSteamUser = errors.New("artwork: no steam user found")

// ApplyFromData writes artwork bytes straight into the grid directory for
// the first discovered Steam user, for an already-known appID (the
// post-complete-upload, in-band binary path). It removes any pre-existing
// sibling file with a different extension so a stale image never shadows
// the new one.
func ApplyFromData(appID int64, artworkType string, data []byte, contentType string) error {
	suffix, ok := artworkSuffix[artworkType]
	if !ok {
		return fmt.Errorf("artwork: unknown artwork type %q", artworkType)
	}
	steamDir := steamfs.SteamDir()
	if steamDir == "" {
		return ErrNoSteamDir
	}
	users := steamfs.SteamUsers(steamDir)
	if len(users) == 0 {
		return ErrNoSteamUser
	}
	ext := extForContentType(contentType)
	gridDir := steamfs.GridDir(steamDir, users[0].ID)
	if err := os.MkdirAll(gridDir, 0o755); err != nil {
		return err
	}
	base := fmt.Sprintf("%d%s", appID, suffix)
	for _, stale := range staleExtensions {
		if stale == ext {
			continue
		}
		_ = os.Remove(filepath.Join(gridDir, base+"."+stale))
	}
	return os.WriteFile(filepath.Join(gridDir, base+"."+ext), data, 0o644)
}

func extForContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return "jpg"
	case strings.Contains(ct, "webp"):
		return "webp"
	default:
		return "png"
	}
}

// Downloaded is one successfully downloaded artwork image, base64-encoded
// for direct placement on an "update_artwork"-style payload.
type Downloaded struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// DownloadArtwork fetches grid/hero/logo/banner URLs present in urls,
// skipping keys whose download fails rather than failing the whole batch.
func DownloadArtwork(ctx context.Context, client *http.Client, urls map[string]string) map[string]Downloaded {
	if client == nil {
		client = http.DefaultClient
	}
	out := make(map[string]Downloaded)
	for _, key := range []string{"grid", "hero", "logo", "banner"} {
		url := strings.TrimSpace(urls[key])
		if url == "" {
			continue
		}
		data, _, err := download(ctx, client, url)
		if err != nil {
			continue
		}
		out[key] = Downloaded{
			Data:   base64.StdEncoding.EncodeToString(data),
			Format: formatFor(url),
		}
	}
	return out
}

// formatFor labels non-jpeg artwork as png regardless of the source's true
// encoding: Steam's grid renderer does not accept webp, and the agent does
// not transcode pixels, it only reports the format as png so the frontend
// writes a ".png" extension for bytes that remain webp-encoded underneath.
func formatFor(url string) string {
	u := strings.ToLower(url)
	if strings.HasSuffix(u, ".jpg") || strings.HasSuffix(u, ".jpeg") {
		return "jpg"
	}
	return "png"
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("artwork: download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// SetShortcutIcon decodes a base64 icon, saves it into the first Steam
// user's grid directory, and patches shortcuts.vdf to point at it.
func SetShortcutIcon(ctx context.Context, appID int64, iconB64, iconFormat string) (bool, error) {
	data, err := base64.StdEncoding.DecodeString(iconB64)
	if err != nil {
		return false, err
	}
	ext := "png"
	if iconFormat == "jpg" {
		ext = "jpg"
	}
	return writeIconAndPatch(ctx, appID, data, ext)
}

// SetShortcutIconFromURL downloads an icon and applies it the same way,
// preserving the URL's own extension (defaulting to .png with none).
func SetShortcutIconFromURL(ctx context.Context, client *http.Client, appID int64, iconURL string) (bool, error) {
	data, _, err := download(ctx, client, iconURL)
	if err != nil {
		return false, err
	}
	ext := strings.TrimPrefix(extFromURL(iconURL), ".")
	return writeIconAndPatch(ctx, appID, data, ext)
}

func writeIconAndPatch(ctx context.Context, appID int64, data []byte, ext string) (bool, error) {
	steamDir := steamfs.SteamDir()
	if steamDir == "" {
		return false, ErrNoSteamDir
	}
	users := steamfs.SteamUsers(steamDir)
	if len(users) == 0 {
		return false, ErrNoSteamUser
	}
	userID := users[0].ID
	gridDir := steamfs.GridDir(steamDir, userID)
	if err := os.MkdirAll(gridDir, 0o755); err != nil {
		return false, err
	}
	iconPath := filepath.Join(gridDir, fmt.Sprintf("%d_icon.%s", appID, ext))
	if err := os.WriteFile(iconPath, data, 0o644); err != nil {
		return false, err
	}
	vdfPath := steamfs.ShortcutsVDFPath(steamDir, userID)
	ok := catalog.PatchIconWithRetry(ctx, vdfPath, appID, iconPath, MaxIconRetries, IconRetryBaseDelay)
	return ok, nil
}

func extFromURL(u string) string {
	ext := filepath.Ext(u)
	if i := strings.IndexByte(ext, '?'); i >= 0 {
		ext = ext[:i]
	}
	if ext == "" {
		return ".png"
	}
	return ext
}
