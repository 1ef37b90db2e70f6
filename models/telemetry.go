package models

import "time"

// TelemetryMessage is the decoded form of one inbound per-vehicle JSON
// record. Unknown fields are ignored by encoding/json;
// missing optional fields are left at their zero value and the Fleet
// State Store fills them from the last-known record on ingest.
type TelemetryMessage struct {
	VehicleID    VehicleID          `json:"vehicle_id"`
	T            float64            `json:"t"`
	Pos          [3]float64         `json:"pos"`
	Vel          [3]float64         `json:"vel"`
	Energy       *float64           `json:"energy,omitempty"`
	Payload      *float64           `json:"payload,omitempty"`
	Health       *HealthStatus      `json:"health,omitempty"`
	TaskProgress map[TaskID]float64 `json:"task_progress,omitempty"`
}

func (m TelemetryMessage) Position() Vector3 { return Vector3{m.Pos[0], m.Pos[1], m.Pos[2]} }
func (m TelemetryMessage) Velocity() Vector3 { return Vector3{m.Vel[0], m.Vel[1], m.Vel[2]} }

// CommandWaypoint is one leg of a commanded task route.
type CommandWaypoint struct {
	X, Y, Z float64
}

// CommandTask is one task entry within an outbound set_task_list command.
type CommandTask struct {
	TaskID    TaskID     `json:"task_id"`
	Waypoints [][3]float64 `json:"waypoints"`
	Kind      string     `json:"kind"`
}

// Command is the outbound message telling a vehicle its full task list
//. Receipt is not acknowledged; the next telemetry cycle
// confirms uptake.
type Command struct {
	VehicleID VehicleID     `json:"vehicle_id"`
	Op        string        `json:"op"`
	Tasks     []CommandTask `json:"tasks"`
}

// NewSetTaskListCommand builds a Command for the given vehicle and task route.
func NewSetTaskListCommand(vehicle VehicleID, tasks []CommandTask) Command {
	return Command{VehicleID: vehicle, Op: "set_task_list", Tasks: tasks}
}

// IngestTime pairs a telemetry message with its arrival time, as handed
// off by the external transport.
type IngestTime struct {
	Message  TelemetryMessage
	Arrival  time.Time
}
