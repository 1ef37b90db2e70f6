// Package audit keeps a bounded in-memory history of recent Decision
// Events plus an append-only on-disk journal of their ids, and bounds how
// many Act-phase command dispatches may be in flight at once: an LRU
// cache with spill-to-disk past capacity, paired with a dispatch
// semaphore.
package audit

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ridgeline/fleetcore/models"
)

// Config configures the Recorder.
type Config struct {
	CacheCapacity      int           // decision events kept in memory; older ones spill to disk if SpillDirectory is set, else are dropped
	MaxInFlightCommand int           // bounds concurrent Act-phase command dispatches; 0 disables the bound
	SpillDirectory     string        // optional: where evicted decision events are written as JSON
	JournalPath        string        // optional: append-only file of emitted decision event ids
	JournalInterval    time.Duration // flush cadence; default 50ms
}

// Recorder is the audit/history component.
type Recorder struct {
	cfg       Config
	dispatch  chan struct{}
	mu        sync.Mutex
	lru       *list.List
	cache     map[uint64]*list.Element
	spill     map[uint64]string
	journalCh chan string
	wg        sync.WaitGroup
}

type cacheEntry struct {
	cycle uint64
	event models.DecisionEvent
}

// Stats reports the recorder's current occupancy.
type Stats struct {
	CachedEvents    int
	SpilledEvents   int
	InFlightDispatch int
	JournalQueued   int
}

// New constructs a Recorder. Directories named by SpillDirectory/JournalPath
// are created if missing.
func New(cfg Config) (*Recorder, error) {
	r := &Recorder{cfg: cfg, lru: list.New(), cache: make(map[uint64]*list.Element), spill: make(map[uint64]string)}
	if cfg.MaxInFlightCommand > 0 {
		r.dispatch = make(chan struct{}, cfg.MaxInFlightCommand)
	}
	if cfg.SpillDirectory != "" {
		if err := os.MkdirAll(cfg.SpillDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("create spill directory: %w", err)
		}
	}
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		r.journalCh = make(chan string, 1024)
		r.wg.Add(1)
		go r.journalLoop()
	}
	return r, nil
}

// Close drains and stops the journal loop, if running.
func (r *Recorder) Close() error {
	if r.journalCh != nil {
		close(r.journalCh)
		r.wg.Wait()
	}
	return nil
}

// AcquireDispatch blocks until a command-dispatch slot is free or ctx is
// done. A zero MaxInFlightCommand means dispatch is unbounded.
func (r *Recorder) AcquireDispatch(ctx context.Context) error {
	if r.dispatch == nil {
		return nil
	}
	select {
	case r.dispatch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseDispatch frees a dispatch slot acquired via AcquireDispatch.
func (r *Recorder) ReleaseDispatch() {
	if r.dispatch == nil {
		return
	}
	select {
	case <-r.dispatch:
	default:
	}
}

// Record stores a copy of ev, evicting the least-recently-used event to
// disk (if SpillDirectory is set) once CacheCapacity is exceeded, and
// enqueues its id onto the journal.
func (r *Recorder) Record(ev models.DecisionEvent) {
	r.mu.Lock()
	if el, ok := r.cache[ev.Cycle]; ok {
		el.Value.(*cacheEntry).event = ev
		r.lru.MoveToFront(el)
	} else {
		el := r.lru.PushFront(&cacheEntry{cycle: ev.Cycle, event: ev})
		r.cache[ev.Cycle] = el
		if r.cfg.CacheCapacity > 0 {
			for len(r.cache) > r.cfg.CacheCapacity {
				r.evictOldest()
			}
		}
	}
	r.mu.Unlock()
	r.journal(ev.EventID)
}

// Recent returns up to n decision events still held in memory, in LRU
// order: most recently recorded or looked up (via ByCycle) first.
func (r *Recorder) Recent(n int) []models.DecisionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DecisionEvent, 0, n)
	for el := r.lru.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).event)
	}
	return out
}

// ByCycle returns the decision event for the given cycle, reading back
// from the spill directory if it was evicted from memory.
func (r *Recorder) ByCycle(cycle uint64) (models.DecisionEvent, bool, error) {
	r.mu.Lock()
	if el, ok := r.cache[cycle]; ok {
		r.lru.MoveToFront(el)
		ev := el.Value.(*cacheEntry).event
		r.mu.Unlock()
		return ev, true, nil
	}
	path, spilled := r.spill[cycle]
	r.mu.Unlock()
	if !spilled {
		return models.DecisionEvent{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.DecisionEvent{}, false, fmt.Errorf("read spilled decision event: %w", err)
	}
	var ev models.DecisionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.DecisionEvent{}, false, fmt.Errorf("decode spilled decision event: %w", err)
	}
	return ev, true, nil
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	s := Stats{CachedEvents: len(r.cache), SpilledEvents: len(r.spill)}
	r.mu.Unlock()
	if r.dispatch != nil {
		s.InFlightDispatch = len(r.dispatch)
	}
	if r.journalCh != nil {
		s.JournalQueued = len(r.journalCh)
	}
	return s
}

func (r *Recorder) journal(id string) {
	if r.journalCh == nil || id == "" {
		return
	}
	select {
	case r.journalCh <- id:
	default:
	}
}

func (r *Recorder) journalLoop() {
	defer r.wg.Done()
	interval := r.cfg.JournalInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]string, 0, 64)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		f, err := os.OpenFile(r.cfg.JournalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		w := bufio.NewWriter(f)
		for _, id := range buf {
			_, _ = fmt.Fprintln(w, id)
		}
		_ = w.Flush()
		_ = f.Close()
		buf = buf[:0]
	}
	for {
		select {
		case id, ok := <-r.journalCh:
			if !ok {
				flush()
				return
			}
			buf = append(buf, id)
			if len(buf) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) evictOldest() {
	back := r.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	delete(r.cache, entry.cycle)
	r.lru.Remove(back)
	if r.cfg.SpillDirectory == "" {
		return
	}
	path := filepath.Join(r.cfg.SpillDirectory, fmt.Sprintf("decision-%020d.json", entry.cycle))
	data, err := json.Marshal(entry.event)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return
	}
	r.spill[entry.cycle] = path
}
