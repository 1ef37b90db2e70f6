// Package faultdetect tracks per-vehicle telemetry-link health with a
// circuit breaker, giving the Orchestrator's fault-detection sweep an
// earlier signal than raw staleness: a vehicle whose last few ingests
// failed outright (malformed record, dropped frame) trips open before
// its LastContact timestamp alone would cross the staleness threshold.
// Anomalous-but-well-formed telemetry (discharge spikes, position jumps,
// altitude excursions) is not an ingest failure and does not trip the
// breaker directly; the orchestrator's observe sweep catches those by
// reading the thresholds against fleetstore's per-vehicle anomaly fields
// alongside this breaker's open/half-open signal. A sharded map of
// per-vehicle breaker state, each entry its own trip/half-open-probe/close
// state machine.
package faultdetect

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/ridgeline/fleetcore/models"
)

// State is a breaker's classification.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes trip/recovery thresholds.
type Config struct {
	Shards            int           // power of two, default 16
	FailureThreshold  int           // consecutive failures to trip open, default 5
	RecoverySuccesses int           // consecutive half-open successes to close, default 3
	OpenCooldown      time.Duration // time before an open breaker allows a half-open probe, default 5s
}

func (c Config) normalized() Config {
	if c.Shards <= 0 || (c.Shards&(c.Shards-1)) != 0 {
		c.Shards = 16
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = 3
	}
	if c.OpenCooldown <= 0 {
		c.OpenCooldown = 5 * time.Second
	}
	return c
}

// Clock abstracts time for deterministic tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Tracker holds one circuit breaker per vehicle, sharded to keep
// concurrent telemetry ingest from independent vehicles from serializing
// on one lock.
type Tracker struct {
	cfg    Config
	clock  Clock
	shards []*shard
	mask   uint64
}

type shard struct {
	mu       sync.Mutex
	breakers map[models.VehicleID]*breakerState
}

type breakerState struct {
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
}

// New returns a Tracker with the given configuration (zero values use
// defaults).
func New(cfg Config) *Tracker {
	cfg = cfg.normalized()
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{breakers: make(map[models.VehicleID]*breakerState)}
	}
	return &Tracker{cfg: cfg, clock: realClock{}, shards: shards, mask: uint64(cfg.Shards - 1)}
}

// WithClock overrides the tracker's clock, for tests.
func (t *Tracker) WithClock(c Clock) *Tracker {
	if c != nil {
		t.clock = c
	}
	return t
}

func (t *Tracker) shardFor(id models.VehicleID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.Itoa(int(id))))
	return t.shards[uint64(h.Sum32())&t.mask]
}

func (t *Tracker) stateFor(sh *shard, id models.VehicleID) *breakerState {
	if b, ok := sh.breakers[id]; ok {
		return b
	}
	b := &breakerState{}
	sh.breakers[id] = b
	return b
}

// Allow reports whether a vehicle currently in the Open state may be
// treated as recovered enough for a half-open probe, flipping it to
// HalfOpen when its cooldown has elapsed.
func (t *Tracker) Allow(id models.VehicleID) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := t.stateFor(sh, id)
	if b.state != Open {
		return true
	}
	now := t.clock.Now()
	if now.Before(b.nextAttempt) {
		return false
	}
	b.state = HalfOpen
	return true
}

// Record applies the outcome of one telemetry ingest for the vehicle,
// advancing the breaker's state machine.
func (t *Tracker) Record(id models.VehicleID, ok bool) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := t.stateFor(sh, id)
	now := t.clock.Now()

	if ok {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= t.cfg.RecoverySuccesses {
				*b = breakerState{}
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.nextAttempt = now.Add(t.cfg.OpenCooldown)
		b.failures = 0
	case Closed:
		if b.failures >= t.cfg.FailureThreshold {
			b.state = Open
			b.nextAttempt = now.Add(t.cfg.OpenCooldown)
			b.failures = 0
		}
	}
}

// State reports the current breaker classification for a vehicle not yet
// seen is always Closed.
func (t *Tracker) State(id models.VehicleID) State {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return t.stateFor(sh, id).state
}

// OpenVehicles returns the ids of every vehicle currently tripped open —
// the extra fault-detection signal the Orchestrator folds into its sweep
// alongside raw telemetry staleness.
func (t *Tracker) OpenVehicles() []models.VehicleID {
	var out []models.VehicleID
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id, b := range sh.breakers {
			if b.state == Open {
				out = append(out, id)
			}
		}
		sh.mu.Unlock()
	}
	return out
}
