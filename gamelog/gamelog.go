// Package gamelog tails the log file produced by a running game and
// streams its lines to the hub over the same console_log_data channel as
// package consolelog, tagged source "game". Grounded on
// original_source/game_log.py.
package gamelog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capydeploy/agent/consolelog"
	"github.com/capydeploy/agent/steamfs"
)

const (
	batchCap      = 50
	pollInterval  = 200 * time.Millisecond
	fileWaitLimit = 30 * time.Second
)

// Tailer follows the most recently modified game_<appId>_*.log file and
// batches its lines onto the console log channel. One Tailer runs at most
// one tail loop at a time; starting a new appId stops the previous one,
// matching GameLogTailer.start's unconditional self.stop() call.
type Tailer struct {
	mu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTailer() *Tailer {
	return &Tailer{}
}

func (t *Tailer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Start stops any tailer already running, then begins watching for and
// tailing appID's log file in the background.
func (t *Tailer) Start(ctx context.Context, appID int64, send consolelog.SendFunc) {
	t.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	log.Printf("gamelog: tailer started for appId=%d", appID)
	go t.run(loopCtx, appID, send, done)
}

// Stop cancels the active tail loop and waits for its final flush.
func (t *Tailer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("gamelog: tailer stopped")
}

func (t *Tailer) run(ctx context.Context, appID int64, send consolelog.SendFunc, done chan struct{}) {
	defer close(done)

	pattern := filepath.Join(steamfs.UserHome(), ".local", "share", "capydeploy", "logs",
		fmt.Sprintf("game_%d_*.log", appID))

	path := waitForFile(ctx, pattern)
	if path == "" {
		log.Printf("gamelog: no log file found for appId=%d after %s", appID, fileWaitLimit)
		return
	}
	log.Printf("gamelog: tailing %s", path)
	tailFile(ctx, path, send)
}

// waitForFile polls for a file matching pattern to appear or change,
// returning whatever is latest once ctx is done or fileWaitLimit elapses.
func waitForFile(ctx context.Context, pattern string) string {
	deadline := time.Now().Add(fileWaitLimit)
	initial := findLatest(pattern)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return findLatest(pattern)
		case <-ticker.C:
			if current := findLatest(pattern); current != "" && current != initial {
				return current
			}
		}
	}
	return findLatest(pattern)
}

func findLatest(pattern string) string {
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool {
		ti, errI := os.Stat(matches[i])
		tj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return false
		}
		return ti.ModTime().Before(tj.ModTime())
	})
	return matches[len(matches)-1]
}

// tailFile reads new lines as they're appended, batching up to batchCap
// entries per flush and flushing on a data-starved poll tick, matching
// _tail_file's readline-or-sleep loop.
func tailFile(ctx context.Context, path string, send consolelog.SendFunc) {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("gamelog: open %s: %v", path, err)
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var buffer []consolelog.Entry

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		n := len(buffer)
		if n > batchCap {
			n = batchCap
		}
		batch := consolelog.Batch{Entries: append([]consolelog.Entry(nil), buffer[:n]...)}
		buffer = buffer[n:]
		if err := send(ctx, batch); err != nil {
			log.Printf("gamelog: send failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		default:
		}

		line, err := reader.ReadString('\n')
		text := strings.TrimRight(line, "\n")
		if text != "" {
			buffer = append(buffer, entryFor(text))
			if len(buffer) >= batchCap {
				flush()
			}
		}
		if err == io.EOF {
			flush()
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if err != nil {
			log.Printf("gamelog: read %s: %v", path, err)
			flush()
			return
		}
	}
}

func entryFor(text string) consolelog.Entry {
	level := "log"
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal") || strings.Contains(lower, "panic"):
		level = "error"
	case strings.Contains(lower, "warn"):
		level = "warn"
	case strings.Contains(lower, "debug") || strings.Contains(lower, "trace"):
		level = "debug"
	}
	return consolelog.Entry{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Source:    "game",
		Text:      text,
	}
}
