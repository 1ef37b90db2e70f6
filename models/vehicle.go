package models

import "time"

// VehicleID identifies one aerial vehicle for the lifetime of the mission.
type VehicleID int

// HealthStatus is the vehicle's operational health classification.
type HealthStatus string

const (
	HealthHealthy            HealthStatus = "healthy"
	HealthDegraded           HealthStatus = "degraded"
	HealthFailed             HealthStatus = "failed"
	HealthCharging           HealthStatus = "charging"
	HealthAwaitingPermission HealthStatus = "awaiting-permission"
	HealthCrashed            HealthStatus = "crashed"
)

// Vehicle is the latest known state of one aerial vehicle, as held by the
// Fleet State Store and copied into every FleetSnapshot.
//
// Invariants: PayloadCurrent <= PayloadMax; EnergyFraction in
// [0,1]; a vehicle with Operational == false never receives a new task
// assignment; LastContact only moves forward for a given vehicle.
type Vehicle struct {
	ID       VehicleID
	Position Vector3
	Velocity Vector3

	EnergyFraction float64 // fraction of capacity remaining, [0,1]
	EnergyCapacity float64 // absolute capacity, energy-units
	Efficiency     float64 // distance-per-energy-unit, vehicle-specific

	PayloadCurrent float64
	PayloadMax     float64

	Operational bool
	Health      HealthStatus
	LastContact time.Time

	// DischargeRateEMA is the exponential moving average (alpha=0.3) of
	// energy-fraction loss per second, recomputed on every ingest.
	DischargeRateEMA float64

	// PositionJumpM is the distance between this vehicle's current and
	// immediately preceding telemetry sample, recomputed on every ingest.
	PositionJumpM float64

	// AltitudeBreachStreak counts consecutive telemetry samples whose
	// altitude fell outside the configured bounds, recomputed on every
	// ingest and reset to zero the first sample back inside bounds.
	AltitudeBreachStreak int

	// Tasks is the ordered list of task ids currently committed to this
	// vehicle; the vehicle record is the sole owner of this ownership
	// edge.
	Tasks []TaskID

	// Permissions grants boundary-exit permission for specific task ids.
	Permissions map[TaskID]struct{}
}

// HasPermission reports whether the vehicle may leave the operating
// region to perform the given task.
func (v Vehicle) HasPermission(task TaskID) bool {
	if v.Permissions == nil {
		return false
	}
	_, ok := v.Permissions[task]
	return ok
}

// Clone returns a deep copy safe to hand to a reader without further
// locking.
func (v Vehicle) Clone() Vehicle {
	out := v
	if v.Tasks != nil {
		out.Tasks = append([]TaskID(nil), v.Tasks...)
	}
	if v.Permissions != nil {
		out.Permissions = make(map[TaskID]struct{}, len(v.Permissions))
		for k := range v.Permissions {
			out.Permissions[k] = struct{}{}
		}
	}
	return out
}

// EligibleForAssignment reports whether this vehicle may receive new
// work at all, independent of any specific task.
func (v Vehicle) EligibleForAssignment() bool {
	if !v.Operational {
		return false
	}
	switch v.Health {
	case HealthHealthy, HealthDegraded:
		return true
	default:
		return false
	}
}
