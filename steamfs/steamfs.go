// Package steamfs locates the Steam installation and per-user data
// directories on this machine, and fixes up ownership after the agent (which
// may run as root inside a plugin sandbox) writes files the desktop user's
// Steam client must also read. Grounded on original_source/steam_utils.py.
package steamfs

import (
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// candidateHomes are checked, in order, before falling back to a directory
// scan and then os.UserHomeDir. "deck" is the Steam Deck's desktop user;
// other handhelds (ChimeraOS, Bazzite) use a regular Linux user account
// under /home that this function discovers by scanning for ".steam".
var candidateHomes = []string{"/home/deck"}

// UserHome returns the desktop user's home directory: /home/deck if present,
// otherwise the first /home/* entry containing a .steam directory,
// otherwise the process's own home directory.
func UserHome() string {
	for _, h := range candidateHomes {
		if isDir(h) {
			return h
		}
	}
	entries, err := os.ReadDir("/home")
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			candidate := filepath.Join("/home", name)
			if isDir(filepath.Join(candidate, ".steam")) {
				return candidate
			}
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/root"
}

// ExpandPath expands a leading "~" to UserHome(); any other path is
// returned unchanged.
func ExpandPath(path string) string {
	if path == "~" {
		return UserHome()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(UserHome(), path[2:])
	}
	return path
}

// steamDirCandidates are checked in order; the flatpak path covers Steam
// installed via Flatpak rather than natively.
func steamDirCandidates(home string) []string {
	return []string{
		filepath.Join(home, ".steam", "steam"),
		filepath.Join(home, ".local", "share", "Steam"),
		filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".steam", "steam"),
	}
}

// SteamDir returns the first existing candidate Steam installation
// directory, or "" if none exist.
func SteamDir() string {
	home := UserHome()
	for _, c := range steamDirCandidates(home) {
		if isDir(c) {
			return c
		}
	}
	return ""
}

// SteamUser is one userdata/<id> account directory under the Steam dir.
type SteamUser struct {
	ID           string
	HasShortcuts bool
}

// SteamUsers lists the non-template (excludes "0") numeric accounts under
// steamDir/userdata.
func SteamUsers(steamDir string) []SteamUser {
	if steamDir == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(steamDir, "userdata"))
	if err != nil {
		return nil
	}
	var out []SteamUser
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "0" || !isAllDigits(name) {
			continue
		}
		shortcuts := filepath.Join(steamDir, "userdata", name, "config", "shortcuts.vdf")
		out = append(out, SteamUser{ID: name, HasShortcuts: fileExists(shortcuts)})
	}
	return out
}

// GridDir returns the per-user artwork directory Steam reads custom grid
// images from.
func GridDir(steamDir, userID string) string {
	return filepath.Join(steamDir, "userdata", userID, "config", "grid")
}

// ShortcutsVDFPath returns the path to a user's binary shortcuts.vdf file.
func ShortcutsVDFPath(steamDir, userID string) string {
	return filepath.Join(steamDir, "userdata", userID, "config", "shortcuts.vdf")
}

// Platform identifies the handheld/desktop flavor this agent is running on,
// feeding the "platform" field the protocol carries in agent_status.
const (
	PlatformSteamDeck = "steamdeck"
	PlatformChimeraOS = "chimeraos"
	PlatformLegionGo  = "legiongologo"
	PlatformRogAlly   = "rogally"
	PlatformLinux     = "linux"
)

// DetectPlatform mirrors steam_utils.py#detect_platform: os-release content,
// then plymouth theme presence, then a Steam Deck /home/deck lstat check
// that rejects a symlink (Bazzite symlinks /home/deck to avoid exactly this
// kind of false positive).
func DetectPlatform() string {
	if b, err := os.ReadFile("/etc/os-release"); err == nil {
		content := strings.ToLower(string(b))
		switch {
		case strings.Contains(content, "steamos"):
			return PlatformSteamDeck
		case strings.Contains(content, "chimeraos"):
			return PlatformChimeraOS
		case strings.Contains(content, "bazzite"):
			return PlatformLinux
		}
	}
	if isDir("/usr/share/plymouth/themes/legion-go") {
		return PlatformLegionGo
	}
	if isDir("/usr/share/plymouth/themes/rogally") {
		return PlatformRogAlly
	}
	if info, err := os.Lstat("/home/deck"); err == nil && info.Mode()&os.ModeSymlink == 0 && info.IsDir() {
		return PlatformSteamDeck
	}
	return PlatformLinux
}

// LocalIP discovers the outbound-facing local address via a UDP "connect"
// (no packets are actually sent), falling back to loopback on any error.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// FixPermissions recursively chowns path to the desktop user's uid/gid
// (resolved from UserHome's owner) and chmods directories 0755, files 0644.
// Best-effort: failures on individual entries are swallowed, matching
// steam_utils.py#fix_permissions, since the agent often runs as root while
// Steam runs as the regular desktop user.
func FixPermissions(path string) error {
	home := UserHome()
	info, err := os.Stat(home)
	if err != nil {
		return err
	}
	uid, gid, ok := ownerOf(info)
	if !ok {
		return nil
	}
	return filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			_ = os.Chmod(p, 0o755)
		} else {
			_ = os.Chmod(p, 0o644)
		}
		_ = os.Chown(p, uid, gid)
		return nil
	})
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
