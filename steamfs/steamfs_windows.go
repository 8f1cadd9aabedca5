//go:build windows

package steamfs

import "os"

// Windows has no uid/gid chown model; FixPermissions is a no-op there since
// this agent's real deployment target is Linux handhelds.
func ownerOf(os.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}
