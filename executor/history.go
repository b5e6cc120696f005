package executor

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// historyScanPeriod and historyScanInitialDelay are the constants named in §6.
const (
	historyScanPeriod       = 5 * time.Second
	historyScanInitialDelay = 0
)

// historyMap is a concurrent broker-id -> start-time(ms) map with
// time-based retention, read-shared with external observers via
// RecentIDs (§3 "History maps"). The Executor process exclusively owns
// writes; readers only ever see the key set.
type historyMap struct {
	mu        sync.RWMutex
	startedMs map[int32]int64
	retention time.Duration
}

func newHistoryMap(retention time.Duration) *historyMap {
	return &historyMap{startedMs: make(map[int32]int64), retention: retention}
}

// Record stamps broker with the current time, called when an execution
// starts demoting/removing it.
func (h *historyMap) Record(broker int32, nowMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startedMs[broker] = nowMs
}

// RecentIDs returns the current key set: every broker id not yet expired.
func (h *historyMap) RecentIDs() []int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	nowMs := time.Now().UnixMilli()
	retentionMs := h.retention.Milliseconds()
	out := make([]int32, 0, len(h.startedMs))
	for id, started := range h.startedMs {
		if started+retentionMs < nowMs {
			continue // expired, not yet removed by the retainer
		}
		out = append(out, id)
	}
	return out
}

// expire removes entries whose entryTimestamp + retention < now (§4.5, I8).
func (h *historyMap) expire(nowMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	retentionMs := h.retention.Milliseconds()
	for id, started := range h.startedMs {
		if started+retentionMs < nowMs {
			delete(h.startedMs, id)
		}
	}
}

// HistoryRetainer periodically expires entries from the demote-history and
// remove-history maps (§4.5). Exceptions are swallowed with a warning so the
// job can never die.
type HistoryRetainer struct {
	demoted *historyMap
	removed *historyMap

	stop chan struct{}
	done chan struct{}
}

func newHistoryRetainer(demoted, removed *historyMap) *HistoryRetainer {
	return &HistoryRetainer{
		demoted: demoted,
		removed: removed,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic expiry job on its own goroutine: period 5s,
// initial delay 0.
func (h *HistoryRetainer) Start() {
	go h.run()
}

func (h *HistoryRetainer) run() {
	defer close(h.done)
	h.safeExpire() // initial delay 0

	ticker := time.NewTicker(historyScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.safeExpire()
		}
	}
}

// safeExpire recovers from any panic in the expiry pass, logging a warning,
// so a single bad entry can never kill the retainer goroutine.
func (h *HistoryRetainer) safeExpire() {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("history retainer: recovered from panic: %v", r)
		}
	}()
	now := time.Now().UnixMilli()
	h.demoted.expire(now)
	h.removed.expire(now)
}

// Stop signals the retainer goroutine to exit and waits for it.
func (h *HistoryRetainer) Stop() {
	close(h.stop)
	<-h.done
}
