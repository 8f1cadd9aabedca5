// Package catalog reads and patches Steam's binary shortcuts.vdf format: a
// tag-byte table-driven document of nested key/value objects. Grounded on
// original_source/steam_utils.py#parse_binary_vdf (the read path) and
// original_source/artwork.py#_update_vdf_icon (the read-modify-write icon
// patch, which the original backs with a full-fidelity third-party `vdf`
// library this corpus has no Go equivalent for). Unlike the original, which
// uses two different mechanisms for those two jobs, this package unifies
// them behind one structure-preserving parser so a shortcut's icon field can
// be updated without dropping any other field Steam wrote, including nested
// ones (e.g. "tags") the original's read-only parser discards.
package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	tagObject = 0x00
	tagString = 0x01
	tagInt32  = 0x02
	tagEnd    = 0x08
)

type entry struct {
	tag      byte
	key      string
	str      string
	i32      int32
	children []*entry
}

var ErrNoShortcutsObject = errors.New("catalog: vdf document has no top-level \"shortcuts\" object")

// Shortcuts is a parsed shortcuts.vdf document, held in a form that can be
// re-encoded byte-for-byte equivalent to the original aside from edits made
// through SetIcon.
type Shortcuts struct {
	root []*entry
	list *entry
}

// Parse decodes a binary shortcuts.vdf document.
func Parse(data []byte) (*Shortcuts, error) {
	root, _, err := parseObject(data, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range root {
		if e.tag == tagObject && strings.EqualFold(e.key, "shortcuts") {
			return &Shortcuts{root: root, list: e}, nil
		}
	}
	return nil, ErrNoShortcutsObject
}

// Bytes re-encodes the document.
func (s *Shortcuts) Bytes() []byte {
	return encodeObject(s.root)
}

// ShortcutInfo is the subset of a shortcut's fields the agent's wire
// protocol surfaces (list_shortcuts' VDF-sourced variant).
type ShortcutInfo struct {
	AppID         int64
	Name          string
	Exe           string
	StartDir      string
	LaunchOptions string
	LastPlayed    int64
}

// List returns every shortcut in the document.
func (s *Shortcuts) List() []ShortcutInfo {
	var out []ShortcutInfo
	for _, sc := range s.list.children {
		if sc.tag != tagObject {
			continue
		}
		info := ShortcutInfo{}
		for _, f := range sc.children {
			switch strings.ToLower(f.key) {
			case "appid":
				if f.tag == tagInt32 {
					info.AppID = appIDFromRaw(f.i32)
				}
			case "appname", "name":
				if f.tag == tagString && info.Name == "" {
					info.Name = f.str
				}
			case "exe":
				if f.tag == tagString {
					info.Exe = f.str
				}
			case "startdir":
				if f.tag == tagString {
					info.StartDir = f.str
				}
			case "launchoptions":
				if f.tag == tagString {
					info.LaunchOptions = f.str
				}
			case "lastplaytime":
				if f.tag == tagInt32 {
					info.LastPlayed = int64(f.i32)
				}
			}
		}
		out = append(out, info)
	}
	return out
}

// SetIcon updates (or inserts) the icon field of the shortcut whose derived
// appid matches appID. Reports whether a matching shortcut was found.
func (s *Shortcuts) SetIcon(appID int64, iconPath string) bool {
	sc := s.find(appID)
	if sc == nil {
		return false
	}
	for _, f := range sc.children {
		if f.tag == tagString && strings.EqualFold(f.key, "icon") {
			f.str = iconPath
			return true
		}
	}
	sc.children = append(sc.children, &entry{tag: tagString, key: "icon", str: iconPath})
	return true
}

func (s *Shortcuts) find(appID int64) *entry {
	for _, sc := range s.list.children {
		if sc.tag != tagObject {
			continue
		}
		for _, f := range sc.children {
			if f.tag == tagInt32 && strings.EqualFold(f.key, "appid") && appIDFromRaw(f.i32) == appID {
				return sc
			}
		}
	}
	return nil
}

// appIDFromRaw derives the protocol-facing app id from a shortcut's signed
// 32-bit "appid" field: mask to unsigned 32 bits, then set Steam's
// non-Steam-game high bit, matching the convention
// original_source/artwork.py#_update_vdf_icon uses to match shortcuts (the
// read-only steam_utils.py#parse_binary_vdf omits the high bit; this
// package standardizes on the matching convention since it is the one that
// must round-trip against Steam's own shortcut IDs).
func appIDFromRaw(raw int32) int64 {
	return int64(uint32(raw)) | 0x80000000
}

func readCString(data []byte, pos int) (string, int, error) {
	idx := bytes.IndexByte(data[pos:], 0)
	if idx < 0 {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(data[pos : pos+idx]), pos + idx + 1, nil
}

func parseObject(data []byte, pos int) ([]*entry, int, error) {
	var out []*entry
	for {
		if pos >= len(data) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		tag := data[pos]
		pos++
		if tag == tagEnd {
			return out, pos, nil
		}
		key, next, err := readCString(data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = next
		e := &entry{tag: tag, key: key}
		switch tag {
		case tagObject:
			children, next, err := parseObject(data, pos)
			if err != nil {
				return nil, 0, err
			}
			e.children = children
			pos = next
		case tagString:
			val, next, err := readCString(data, pos)
			if err != nil {
				return nil, 0, err
			}
			e.str = val
			pos = next
		case tagInt32:
			if pos+4 > len(data) {
				return nil, 0, io.ErrUnexpectedEOF
			}
			e.i32 = int32(binary.LittleEndian.Uint32(data[pos : pos+4]))
			pos += 4
		default:
			return nil, 0, fmt.Errorf("catalog: unknown vdf tag 0x%02x", tag)
		}
		out = append(out, e)
	}
}

func encodeObject(entries []*entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteByte(e.tag)
		buf.WriteString(e.key)
		buf.WriteByte(0)
		switch e.tag {
		case tagObject:
			buf.Write(encodeObject(e.children))
		case tagString:
			buf.WriteString(e.str)
			buf.WriteByte(0)
		case tagInt32:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(e.i32))
			buf.Write(b[:])
		}
	}
	buf.WriteByte(tagEnd)
	return buf.Bytes()
}

// PatchIcon loads path, sets the icon field of the shortcut matching appID,
// and writes the document back if a match was found.
func PatchIcon(path string, appID int64, iconPath string) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	doc, err := Parse(data)
	if err != nil {
		return false, err
	}
	if !doc.SetIcon(appID, iconPath) {
		return false, nil
	}
	return true, os.WriteFile(path, doc.Bytes(), 0o644)
}

// PatchIconWithRetry retries PatchIcon with exponential backoff: the
// shortcut may not exist yet, or shortcuts.vdf may not have been flushed to
// disk yet, because Steam's own AddShortcut() write races this one. Mirrors
// original_source/artwork.py#_update_vdf_icon's retry loop. Returns true iff
// a matching shortcut was eventually patched.
func PatchIconWithRetry(ctx context.Context, path string, appID int64, iconPath string, attempts int, baseDelay time.Duration) bool {
	for attempt := 0; attempt < attempts; attempt++ {
		if _, statErr := os.Stat(path); statErr == nil {
			if ok, patchErr := PatchIcon(path, appID, iconPath); patchErr == nil && ok {
				return true
			}
		}
		delay := baseDelay * time.Duration(int64(1)<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
