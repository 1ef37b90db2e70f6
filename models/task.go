package models

import "time"

// TaskID identifies one mission task for its lifetime.
type TaskID int

// TaskType is the kind of work a task represents.
type TaskType string

const (
	TaskPatrolZone    TaskType = "patrol-zone"
	TaskSearchZone    TaskType = "search-zone"
	TaskPickup        TaskType = "pickup"
	TaskDropoff       TaskType = "dropoff"
	TaskDeliveryPair  TaskType = "delivery-pair"
)

// TaskState is the task's position in its lifecycle state machine.
//
// Transitions: unassigned -> assigned -> in-progress ->
// completed; assigned|in-progress -> orphaned on loss of owner;
// orphaned -> escalated when no feasible reassignment exists;
// orphaned -> assigned on successful reallocation.
type TaskState string

const (
	TaskUnassigned TaskState = "unassigned"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in-progress"
	TaskCompleted  TaskState = "completed"
	TaskOrphaned   TaskState = "orphaned"
	TaskEscalated  TaskState = "escalated"
)

// Task is one unit of mission work.
type Task struct {
	ID       TaskID
	Type     TaskType
	Target   Vector3
	Priority int // higher is more important

	EstimatedDuration time.Duration
	PayloadReq        float64 // mass-units, zero for non-delivery tasks
	Deadline          *time.Time
	Zone              string
	State             TaskState

	// PairedWith links a pickup to its dropoff (or vice versa) for
	// delivery-pair tasks; zero value means unpaired.
	PairedWith TaskID

	// OwnerVehicle is the committing vehicle, valid only while State is
	// assigned or in-progress. Tasks hold only this id reference, never
	// a pointer back to the vehicle record.
	OwnerVehicle VehicleID
}

// HasDeadline reports whether the task carries an absolute deadline.
func (t Task) HasDeadline() bool { return t.Deadline != nil }

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	return out
}
