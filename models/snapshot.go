package models

import "time"

// FleetSnapshot is an immutable value produced by the Fleet State Store at
// the start of each OODA cycle. All Decide-phase logic operates on one
// snapshot.
type FleetSnapshot struct {
	Vehicles   map[VehicleID]Vehicle
	Tasks      map[TaskID]Task
	Timestamp  time.Time
	Generation uint64
}

// Vehicle returns a copy of the vehicle record, and whether it was present.
func (s FleetSnapshot) Vehicle(id VehicleID) (Vehicle, bool) {
	v, ok := s.Vehicles[id]
	return v, ok
}

// OperationalVehicles returns every vehicle eligible to receive new work,
// ordered by ascending vehicle id for deterministic downstream iteration.
func (s FleetSnapshot) OperationalVehicles() []Vehicle {
	out := make([]Vehicle, 0, len(s.Vehicles))
	for _, v := range s.Vehicles {
		if v.EligibleForAssignment() {
			out = append(out, v)
		}
	}
	sortVehiclesByID(out)
	return out
}

func sortVehiclesByID(vs []Vehicle) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1].ID > vs[j].ID; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}

// AssignmentPlan maps vehicle id to its ordered committed task list, plus
// the set of task ids that could not be feasibly assigned.
type AssignmentPlan struct {
	Assignments map[VehicleID][]TaskID
	Escalated   map[TaskID]struct{}
}

// NewAssignmentPlan returns an empty, ready-to-use plan.
func NewAssignmentPlan() AssignmentPlan {
	return AssignmentPlan{
		Assignments: make(map[VehicleID][]TaskID),
		Escalated:   make(map[TaskID]struct{}),
	}
}

// Clone returns a deep copy of the plan.
func (p AssignmentPlan) Clone() AssignmentPlan {
	out := NewAssignmentPlan()
	for v, tasks := range p.Assignments {
		out.Assignments[v] = append([]TaskID(nil), tasks...)
	}
	for t := range p.Escalated {
		out.Escalated[t] = struct{}{}
	}
	return out
}

// EscalatedList returns the escalated task ids in ascending order, for
// deterministic emission.
func (p AssignmentPlan) EscalatedList() []TaskID {
	out := make([]TaskID, 0, len(p.Escalated))
	for t := range p.Escalated {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
