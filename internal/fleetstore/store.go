// Package fleetstore implements the Fleet State Store: the
// single, concurrency-safe point of truth for current vehicle and task
// state, sharded by vehicle id to keep per-cycle snapshot reads
// uncontended with live telemetry ingest.
package fleetstore

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ridgeline/fleetcore/models"
)

// ErrUnknownVehicle is returned when an operation references a vehicle id
// the store has never seen via RegisterVehicle.
var ErrUnknownVehicle = errors.New("fleetstore: unknown vehicle")

// ErrUnknownTask is returned when an operation references a task id the
// store has never seen via RegisterTask.
var ErrUnknownTask = errors.New("fleetstore: unknown task")

// DischargeEMAAlpha is the exponential-moving-average smoothing factor
// applied to the per-second energy-fraction discharge rate on every
// ingest.
const DischargeEMAAlpha = 0.3

const defaultShardCount = 16

// Clock abstracts time for deterministic tests, grounded on the same
// interface rate limiter defines for its eviction loop.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the Fleet State Store.
type Store struct {
	vehicleShards []*vehicleShard
	mask          uint64

	taskMu sync.RWMutex
	tasks  map[models.TaskID]models.Task

	generation atomic.Uint64
	clock      Clock

	altitudeMinM, altitudeMaxM float64
}

type vehicleShard struct {
	mu       sync.RWMutex
	vehicles map[models.VehicleID]*vehicleState
}

type vehicleState struct {
	vehicle    models.Vehicle
	lastUpdate time.Time
}

// New returns an empty Store with defaultShardCount shards.
func New() *Store {
	return NewWithShards(defaultShardCount)
}

// NewWithShards returns an empty Store; shardCount is rounded up to the
// next power of two, matching shard-mask requirement.
func NewWithShards(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	shards := make([]*vehicleShard, n)
	for i := range shards {
		shards[i] = &vehicleShard{vehicles: make(map[models.VehicleID]*vehicleState)}
	}
	return &Store{
		vehicleShards: shards,
		mask:          uint64(n - 1),
		tasks:         make(map[models.TaskID]models.Task),
		clock:         realClock{},
	}
}

// WithClock overrides the store's clock, for tests.
func (s *Store) WithClock(c Clock) *Store {
	if c != nil {
		s.clock = c
	}
	return s
}

// WithAltitudeBounds sets the [min,max] altitude envelope used by Ingest to
// maintain each vehicle's AltitudeBreachStreak.
func (s *Store) WithAltitudeBounds(min, max float64) *Store {
	s.altitudeMinM, s.altitudeMaxM = min, max
	return s
}

func (s *Store) shardFor(id models.VehicleID) *vehicleShard {
	return s.vehicleShards[uint64(id)&s.mask]
}

// RegisterVehicle adds or replaces a vehicle's full record, used at
// startup and when a new airframe joins the fleet mid-mission.
func (s *Store) RegisterVehicle(v models.Vehicle) {
	shard := s.shardFor(v.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.vehicles[v.ID] = &vehicleState{vehicle: v.Clone(), lastUpdate: s.clock.Now()}
}

// RegisterTask adds or replaces a task record.
func (s *Store) RegisterTask(t models.Task) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	s.tasks[t.ID] = t.Clone()
}

// Ingest applies one telemetry record to the corresponding vehicle,
// recomputing its discharge-rate EMA. Returns
// ErrUnknownVehicle if the vehicle was never registered.
func (s *Store) Ingest(msg models.TelemetryMessage, arrival time.Time) error {
	shard := s.shardFor(msg.VehicleID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.vehicles[msg.VehicleID]
	if !ok {
		return ErrUnknownVehicle
	}

	prevFraction := state.vehicle.EnergyFraction
	prevTime := state.vehicle.LastContact
	prevPosition := state.vehicle.Position

	state.vehicle.Position = msg.Position()
	state.vehicle.Velocity = msg.Velocity()
	state.vehicle.LastContact = arrival

	state.vehicle.PositionJumpM = prevPosition.Distance(state.vehicle.Position)
	if state.vehicle.Position.Z < s.altitudeMinM || state.vehicle.Position.Z > s.altitudeMaxM {
		state.vehicle.AltitudeBreachStreak++
	} else {
		state.vehicle.AltitudeBreachStreak = 0
	}

	if msg.Energy != nil {
		newFraction := *msg.Energy
		dt := arrival.Sub(prevTime).Seconds()
		if dt > 0 {
			instantRate := (prevFraction - newFraction) / dt
			state.vehicle.DischargeRateEMA = DischargeEMAAlpha*instantRate + (1-DischargeEMAAlpha)*state.vehicle.DischargeRateEMA
		}
		state.vehicle.EnergyFraction = newFraction
	}
	if msg.Payload != nil {
		state.vehicle.PayloadCurrent = *msg.Payload
	}
	if msg.Health != nil {
		state.vehicle.Health = *msg.Health
	}

	state.lastUpdate = arrival
	return nil
}

// MarkFailed flips a vehicle to non-operational with the given health
// classification, and returns the ids of
// tasks it had committed so the caller can orphan them in the task table.
func (s *Store) MarkFailed(id models.VehicleID, health models.HealthStatus, at time.Time) ([]models.TaskID, error) {
	shard := s.shardFor(id)
	shard.mu.Lock()
	state, ok := shard.vehicles[id]
	if !ok {
		shard.mu.Unlock()
		return nil, ErrUnknownVehicle
	}
	state.vehicle.Operational = false
	state.vehicle.Health = health
	state.lastUpdate = at
	owned := append([]models.TaskID(nil), state.vehicle.Tasks...)
	state.vehicle.Tasks = nil
	shard.mu.Unlock()

	s.taskMu.Lock()
	for _, tid := range owned {
		if t, ok := s.tasks[tid]; ok {
			t.State = models.TaskOrphaned
			t.OwnerVehicle = 0
			s.tasks[tid] = t
		}
	}
	s.taskMu.Unlock()
	return owned, nil
}

// CommitAssignment records that vehicle owns the given ordered task list,
// used by the Act phase after a plan has been validated and dispatched.
func (s *Store) CommitAssignment(vehicle models.VehicleID, taskIDs []models.TaskID) error {
	shard := s.shardFor(vehicle)
	shard.mu.Lock()
	state, ok := shard.vehicles[vehicle]
	if !ok {
		shard.mu.Unlock()
		return ErrUnknownVehicle
	}
	state.vehicle.Tasks = append([]models.TaskID(nil), taskIDs...)
	shard.mu.Unlock()

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	for _, tid := range taskIDs {
		if t, ok := s.tasks[tid]; ok {
			t.OwnerVehicle = vehicle
			if t.State == models.TaskUnassigned || t.State == models.TaskOrphaned {
				t.State = models.TaskAssigned
			}
			s.tasks[tid] = t
		}
	}
	return nil
}

// Snapshot returns a deep, consistent-enough-for-one-cycle copy of every
// vehicle and task, stamped with a monotonically increasing generation
//. Deep-copy-on-read is grounded on 
// resources.Manager.deepCopyPage.
func (s *Store) Snapshot(now time.Time) models.FleetSnapshot {
	vehicles := make(map[models.VehicleID]models.Vehicle)
	for _, shard := range s.vehicleShards {
		shard.mu.RLock()
		for id, st := range shard.vehicles {
			vehicles[id] = st.vehicle.Clone()
		}
		shard.mu.RUnlock()
	}

	s.taskMu.RLock()
	tasks := make(map[models.TaskID]models.Task, len(s.tasks))
	for id, t := range s.tasks {
		tasks[id] = t.Clone()
	}
	s.taskMu.RUnlock()

	return models.FleetSnapshot{
		Vehicles:   vehicles,
		Tasks:      tasks,
		Timestamp:  now,
		Generation: s.generation.Add(1),
	}
}

// Counts returns the total number of registered vehicles and how many of
// them are stale as of `now`, for health probes.
func (s *Store) Counts(now time.Time, staleThreshold time.Duration) (total, stale int) {
	for _, shard := range s.vehicleShards {
		shard.mu.RLock()
		total += len(shard.vehicles)
		for _, st := range shard.vehicles {
			if now.Sub(st.vehicle.LastContact) > staleThreshold {
				stale++
			}
		}
		shard.mu.RUnlock()
	}
	return total, stale
}

// StaleVehicles returns the ids of every registered, still-operational
// vehicle whose LastContact is older than threshold as of `now` — the
// input to the Orchestrator's fault-detection sweep.
func (s *Store) StaleVehicles(now time.Time, threshold time.Duration) []models.VehicleID {
	var out []models.VehicleID
	for _, shard := range s.vehicleShards {
		shard.mu.RLock()
		for id, st := range shard.vehicles {
			if st.vehicle.Operational && now.Sub(st.vehicle.LastContact) > threshold {
				out = append(out, id)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// AnomalousVehicles returns the ids of every registered, still-operational
// vehicle whose discharge rate, last position jump, or altitude breach
// streak (maintained on every Ingest) crosses the given thresholds —
// the remaining three legs of the Orchestrator's fault-detection sweep
// alongside StaleVehicles. A zero threshold disables that leg's check.
func (s *Store) AnomalousVehicles(anomalyMultiplier, baselineDischargeRate, positionJumpThresholdM float64) []models.VehicleID {
	var out []models.VehicleID
	for _, shard := range s.vehicleShards {
		shard.mu.RLock()
		for id, st := range shard.vehicles {
			if !st.vehicle.Operational {
				continue
			}
			v := st.vehicle
			switch {
			case anomalyMultiplier > 0 && baselineDischargeRate > 0 && v.DischargeRateEMA > anomalyMultiplier*baselineDischargeRate:
				out = append(out, id)
			case positionJumpThresholdM > 0 && v.PositionJumpM > positionJumpThresholdM:
				out = append(out, id)
			case v.AltitudeBreachStreak > 1:
				out = append(out, id)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}
