// Package validator implements the Constraint Validator: pure,
// side-effect-free feasibility checks for a (vehicle, task, fleet context)
// triple. No function in this package mutates state, blocks, or raises;
// infeasibility is always a returned value.
package validator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ridgeline/fleetcore/models"
)

// Reason tags a validator outcome. Empty string means feasible.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonNotOperational           Reason = "not-operational"
	ReasonPayloadExceeded          Reason = "payload-exceeded"
	ReasonInsufficientEnergy       Reason = "insufficient-energy"
	ReasonOutsideRegionNoPermission Reason = "outside-region-no-permission"
	ReasonDeadlineMissed           Reason = "deadline-missed"
)

// CollisionReason formats the tagged collision reason carrying the id of
// the vehicle it would come too close to.
func CollisionReason(other models.VehicleID) Reason {
	return Reason(fmt.Sprintf("collision-with:%d", other))
}

// Result is the outcome of a single feasibility check. Margin carries the
// numeric slack (or deficit, if negative) relevant to Reason, consumed by
// the Optimizer for tie-breaking and by the Orchestrator for escalation
// rationale.
type Result struct {
	OK     bool
	Reason Reason
	Margin float64
}

func ok(margin float64) Result { return Result{OK: true, Margin: margin} }
func fail(reason Reason, margin float64) Result { return Result{OK: false, Reason: reason, Margin: margin} }

// Violation is one failed constraint found by ValidatePlan, scoped to a
// single vehicle.
type Violation struct {
	Vehicle models.VehicleID
	Task    models.TaskID
	Reason  Reason
	Margin  float64
}

// Params carries the tunables and shared context every check needs.
// Immutable for the duration of a cycle.
type Params struct {
	Now                   time.Time
	Region                models.Region
	SafetyReserveFraction float64 // default 0.20
	CollisionBufferM      float64 // default 15
	HoverEnergyRate       float64 // energy-units/sec while hovering; 0 disables

	// OtherRoutes holds the planned waypoint sequence (already committed,
	// in order, including current position as element 0) of every other
	// vehicle in the plan being built, keyed by vehicle id. Used for the
	// pairwise Collision check.
	OtherRoutes map[models.VehicleID][]models.Vector3

	// TaskByID resolves plan task ids that are missing from the snapshot
	// (consulted by ValidatePlan only).
	TaskByID map[models.TaskID]models.Task
}

// CanAssign decides whether `task` may be added to the end of `vehicle`'s
// already-committed task list, short-circuiting on the first failing
// constraint in a fixed order: operational, payload, energy, boundary,
// collision, then temporal.
func CanAssign(vehicle models.Vehicle, task models.Task, committed []models.Task, p Params) Result {
	if r := checkOperational(vehicle); !r.OK {
		return r
	}
	if r := checkPayload(vehicle, task, committed, p); !r.OK {
		return r
	}
	if r := checkEnergy(vehicle, task, committed, p); !r.OK {
		return r
	}
	if r := checkBoundary(vehicle, task, p); !r.OK {
		return r
	}
	if r := checkCollision(vehicle, task, committed, p); !r.OK {
		return r
	}
	if r := checkTemporal(vehicle, task, committed, p); !r.OK {
		return r
	}
	return ok(0)
}

// ValidatePlan checks every vehicle's full committed route against all six
// constraints, collecting every violation found rather than
// short-circuiting.
// Deterministic: vehicles and their violations are iterated and returned
// in ascending vehicle-id order.
func ValidatePlan(snapshot models.FleetSnapshot, plan models.AssignmentPlan, p Params) []Violation {
	var violations []Violation

	ids := make([]models.VehicleID, 0, len(plan.Assignments))
	for id := range plan.Assignments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, vid := range ids {
		vehicle, present := snapshot.Vehicle(vid)
		if !present {
			continue
		}
		taskIDs := plan.Assignments[vid]
		tasks := make([]models.Task, 0, len(taskIDs))
		for _, tid := range taskIDs {
			if t, ok := snapshot.Tasks[tid]; ok {
				tasks = append(tasks, t)
			} else if p.TaskByID != nil {
				if t, ok := p.TaskByID[tid]; ok {
					tasks = append(tasks, t)
				}
			}
		}
		violations = append(violations, validateVehicleRoute(vehicle, tasks, p)...)
	}
	return violations
}

func validateVehicleRoute(vehicle models.Vehicle, tasks []models.Task, p Params) []Violation {
	var out []Violation
	if r := checkOperational(vehicle); !r.OK {
		out = append(out, Violation{Vehicle: vehicle.ID, Reason: r.Reason, Margin: r.Margin})
	}
	// incremental payload/energy/boundary/temporal against the full route
	var committed []models.Task
	for _, t := range tasks {
		if r := checkPayload(vehicle, t, committed, p); !r.OK {
			out = append(out, Violation{Vehicle: vehicle.ID, Task: t.ID, Reason: r.Reason, Margin: r.Margin})
		}
		if r := checkEnergy(vehicle, t, committed, p); !r.OK {
			out = append(out, Violation{Vehicle: vehicle.ID, Task: t.ID, Reason: r.Reason, Margin: r.Margin})
		}
		if r := checkBoundary(vehicle, t, p); !r.OK {
			out = append(out, Violation{Vehicle: vehicle.ID, Task: t.ID, Reason: r.Reason, Margin: r.Margin})
		}
		if r := checkTemporal(vehicle, t, committed, p); !r.OK {
			out = append(out, Violation{Vehicle: vehicle.ID, Task: t.ID, Reason: r.Reason, Margin: r.Margin})
		}
		committed = append(committed, t)
	}
	if r := checkCollisionRoute(vehicle, tasks, p); !r.OK {
		out = append(out, Violation{Vehicle: vehicle.ID, Reason: r.Reason, Margin: r.Margin})
	}
	return out
}

// checkOperational rejects any vehicle that is not operational or whose
// health is neither healthy nor degraded.
func checkOperational(vehicle models.Vehicle) Result {
	if !vehicle.EligibleForAssignment() {
		return fail(ReasonNotOperational, 0)
	}
	return ok(0)
}

// checkPayload sums payload across the committed list plus the
// candidate task: a pickup adds payload, a dropoff releases it, and
// non-delivery tasks carry zero payload requirement.
func checkPayload(vehicle models.Vehicle, task models.Task, committed []models.Task, p Params) Result {
	load := vehicle.PayloadCurrent
	for _, t := range committed {
		load += payloadDelta(t)
	}
	load += payloadDelta(task)
	margin := vehicle.PayloadMax - load
	if margin < 0 {
		return fail(ReasonPayloadExceeded, margin)
	}
	return ok(margin)
}

func payloadDelta(t models.Task) float64 {
	switch t.Type {
	case models.TaskPickup:
		return t.PayloadReq
	case models.TaskDropoff:
		return -t.PayloadReq
	default:
		return 0
	}
}

// checkEnergy estimates the energy to execute the committed list plus
// the candidate, travelling from the vehicle's current position through
// all waypoints and back to base, using the vehicle's
// distance-per-energy-unit efficiency. Distance is the horizontal-plus-
// altitude-change approximation (spec.md §4.1.3), not true 3-D Euclidean
// length. Required: remaining energy after the plan >= SafetyReserveFraction
// of capacity.
func checkEnergy(vehicle models.Vehicle, task models.Task, committed []models.Task, p Params) Result {
	if vehicle.EnergyCapacity <= 0 || vehicle.Efficiency <= 0 {
		return fail(ReasonInsufficientEnergy, -1)
	}
	route := append([]models.Vector3{vehicle.Position}, waypointsFor(committed)...)
	route = append(route, waypointsFor([]models.Task{task})...)
	route = append(route, vehicle.Position) // return to base

	distance := models.ApproxPathLength(route)
	cost := distance / vehicle.Efficiency

	if p.HoverEnergyRate > 0 {
		hoverSeconds := task.EstimatedDuration.Seconds()
		for _, t := range committed {
			hoverSeconds += t.EstimatedDuration.Seconds()
		}
		cost += p.HoverEnergyRate * hoverSeconds
	}

	remainingFraction := vehicle.EnergyFraction - cost/vehicle.EnergyCapacity
	reserve := p.SafetyReserveFraction
	margin := remainingFraction - reserve
	if margin < 0 {
		return fail(ReasonInsufficientEnergy, margin)
	}
	return ok(margin)
}

func waypointsFor(tasks []models.Task) []models.Vector3 {
	out := make([]models.Vector3, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Target)
	}
	return out
}

// checkBoundary rejects any waypoint outside the operating region unless
// the vehicle carries boundary-crossing permission. Pickup and dropoff
// legs of a delivery pair are checked independently.
func checkBoundary(vehicle models.Vehicle, task models.Task, p Params) Result {
	if p.Region.Contains(task.Target) {
		return ok(0)
	}
	if vehicle.HasPermission(task.ID) {
		return ok(0)
	}
	return fail(ReasonOutsideRegionNoPermission, 0)
}

// checkCollision is evaluated incrementally for a single candidate: the
// candidate's own route segment must not approach
// any other vehicle's planned route closer than CollisionBufferM.
func checkCollision(vehicle models.Vehicle, task models.Task, committed []models.Task, p Params) Result {
	route := append([]models.Vector3{vehicle.Position}, waypointsFor(committed)...)
	route = append(route, task.Target)
	return collisionCheck(vehicle.ID, route, p)
}

func checkCollisionRoute(vehicle models.Vehicle, tasks []models.Task, p Params) Result {
	route := append([]models.Vector3{vehicle.Position}, waypointsFor(tasks)...)
	return collisionCheck(vehicle.ID, route, p)
}

func collisionCheck(self models.VehicleID, route []models.Vector3, p Params) Result {
	if p.CollisionBufferM <= 0 || len(p.OtherRoutes) == 0 {
		return ok(0)
	}
	others := make([]models.VehicleID, 0, len(p.OtherRoutes))
	for id := range p.OtherRoutes {
		others = append(others, id)
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })

	worstMargin := -1.0
	for _, otherID := range others {
		if otherID == self {
			continue
		}
		otherRoute := p.OtherRoutes[otherID]
		dist := minSegmentDistance(route, otherRoute)
		margin := dist - p.CollisionBufferM
		if margin < 0 {
			return fail(CollisionReason(otherID), margin)
		}
		if worstMargin < 0 || margin < worstMargin {
			worstMargin = margin
		}
	}
	return ok(worstMargin)
}

// minSegmentDistance approximates the closest approach between two
// waypoint-connected routes by sampling each segment's endpoints; this is
// the same order-of-magnitude approximation used for
// the energy model (straight-line waypoint segments, O(n^2*k) overall
// across the full plan in ValidatePlan).
func minSegmentDistance(a, b []models.Vector3) float64 {
	if len(a) == 0 || len(b) == 0 {
		return -1
	}
	best := -1.0
	for _, pa := range a {
		for _, pb := range b {
			d := pa.Distance(pb)
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

// checkTemporal rejects a candidate whose estimated completion time
// misses its deadline. Estimated completion time uses the vehicle's
// planned speed (magnitude of velocity, falling back to a nominal 1 m/s
// floor to keep the model finite) and a current-time anchor.
func checkTemporal(vehicle models.Vehicle, task models.Task, committed []models.Task, p Params) Result {
	if !task.HasDeadline() {
		return ok(0)
	}
	route := append([]models.Vector3{vehicle.Position}, waypointsFor(committed)...)
	route = append(route, task.Target)
	distance := models.PathLength(route)

	speed := speedOf(vehicle)
	travelSeconds := distance / speed

	elapsedDuration := 0.0
	for _, t := range committed {
		elapsedDuration += t.EstimatedDuration.Seconds()
	}
	eta := p.Now.Add(time.Duration((travelSeconds + elapsedDuration + task.EstimatedDuration.Seconds()) * float64(time.Second)))

	margin := task.Deadline.Sub(eta)
	if margin < 0 {
		return fail(ReasonDeadlineMissed, margin.Seconds())
	}
	return ok(margin.Seconds())
}

func speedOf(vehicle models.Vehicle) float64 {
	v := vehicle.Velocity
	mag := v.X*v.X + v.Y*v.Y + v.Z*v.Z
	if mag <= 0 {
		return 1 // nominal floor; a stationary/unknown vehicle is not treated as infinitely slow
	}
	return math.Sqrt(mag)
}
