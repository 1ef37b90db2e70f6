package models

import "time"

// MissionType selects the Optimizer's objective weighting.
type MissionType string

const (
	MissionSurveillance MissionType = "surveillance"
	MissionSearch       MissionType = "search"
	MissionDelivery     MissionType = "delivery"
)

// ObjectiveWeights weighs the terms of the Optimizer's objective function.
// Selected per MissionType from Config.ObjectiveWeights.
type ObjectiveWeights struct {
	TravelEnergy  float64 // always weighted
	LoadBalance   float64 // penalty on the candidate vehicle's spent energy fraction (1 - EnergyFraction); no fleet-wide variance is computed
	Priority      float64 // priority-satisfaction reward (applied as negative cost)
	TemporalSlack float64 // deadline-slack term
}

// PhaseTimings records the wall-clock duration of each OODA phase.
type PhaseTimings struct {
	ObserveMS int64
	OrientMS  int64
	DecideMS  int64
	ActMS     int64
}

// CycleMetrics is the structured metrics record attached to every
// Decision Event.
type CycleMetrics struct {
	RecoveryRate     float64
	TasksRecovered   int
	TasksLost        int
	UnallocatedCount int
	CoverageLoss     float64

	BatterySpare float64
	PayloadSpare float64

	OperationalUAVs int
	FailedUAVs      int

	TemporalMargin time.Duration
	AffectedZones  int

	ObjectiveScore         float64
	OptimizationTimeMS     int64
	OptimizationIterations int
	OptimalityGapEstimate  float64
	TimeBounded            bool
}

// DecisionEvent is the record emitted on the dashboard event channel at
// the end of every OODA cycle.
type DecisionEvent struct {
	EventID      string // UUIDv4, for dedup across restarts
	Cycle        uint64
	Time         time.Time
	Strategy     string
	Rationale    string
	PhaseTimings PhaseTimings
	Metrics      CycleMetrics
	Assignments  map[VehicleID][]TaskID
	Escalated    []TaskID
}
