package pipeline

import (
	"strconv"
	"sync"
	"time"

	"bilibililivetools/livetts/backend/metrics"
	"bilibililivetools/livetts/backend/service/danmaku"
)

type giftEntry struct {
	key      string
	uname    string
	giftName string
	num      int64
	coin     int64
	timer    *time.Timer
	gen      uint64
}

// giftMerger debounces bursts of the same gift from one user. Each key
// flushes exactly once per idle gap of at least the interval.
type giftMerger struct {
	flush func(giftEntry)

	// Timers hold flushing shared while they flush. No flush runs after
	// reset returns.
	flushing sync.RWMutex

	mu      sync.Mutex
	entries map[string]*giftEntry
	gen     uint64
}

func newGiftMerger(flush func(giftEntry)) *giftMerger {
	return &giftMerger{flush: flush, entries: make(map[string]*giftEntry)}
}

func giftKey(g danmaku.Gift) string {
	return strconv.FormatInt(g.UID, 10) + ":" + strconv.FormatInt(g.GiftID, 10) + ":" + g.BatchComboID
}

func giftCoin(g danmaku.Gift) int64 {
	if g.TotalCoin > 0 {
		return g.TotalCoin
	}
	return g.Price * g.Num
}

// add returns false when the gift was flushed immediately.
func (m *giftMerger) add(g danmaku.Gift, interval time.Duration) bool {
	key := giftKey(g)
	if interval <= 0 {
		m.flush(giftEntry{key: key, uname: g.Uname, giftName: g.GiftName, num: g.Num, coin: giftCoin(g)})
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if entry, ok := m.entries[key]; ok {
		entry.timer.Stop()
		entry.num += g.Num
		entry.coin += giftCoin(g)
		entry.gen = m.gen
		entry.timer = m.schedule(key, entry.gen, interval)
		metrics.GiftsMerged.Inc()
		return true
	}
	entry := &giftEntry{
		key:      key,
		uname:    g.Uname,
		giftName: g.GiftName,
		num:      g.Num,
		coin:     giftCoin(g),
		gen:      m.gen,
	}
	entry.timer = m.schedule(key, entry.gen, interval)
	m.entries[key] = entry
	return true
}

func (m *giftMerger) schedule(key string, gen uint64, interval time.Duration) *time.Timer {
	return time.AfterFunc(interval, func() { m.fire(key, gen) })
}

// fire ignores timers that were superseded by a later gift or a reset.
func (m *giftMerger) fire(key string, gen uint64) {
	m.flushing.RLock()
	defer m.flushing.RUnlock()
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok || entry.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	flushed := *entry
	m.mu.Unlock()
	m.flush(flushed)
}

func (m *giftMerger) reset() int {
	m.flushing.Lock()
	defer m.flushing.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := len(m.entries)
	for key, entry := range m.entries {
		entry.timer.Stop()
		delete(m.entries, key)
	}
	return cancelled
}

func (m *giftMerger) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
