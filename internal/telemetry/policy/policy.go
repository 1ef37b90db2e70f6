package policy

import "time"

// TelemetryPolicy centralizes runtime-tunable telemetry knobs. It is designed to be
// swapped atomically (callers hold an immutable snapshot pointer) to avoid locks
// on hot paths. All durations are expected to be positive; zero values fall back
// to defaults established in Default().
type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
	Mission MissionPolicy
}

type HealthPolicy struct {
	ProbeTTL                time.Duration
	CycleMinSamples         int
	CycleDegradedRatio      float64
	CycleUnhealthyRatio     float64
	StoreDegradedCheckpoint int
	StoreUnhealthyCheckpoint int
}

type TracingPolicy struct {
	SamplePercent           float64
	ErrorBoostPercent       float64
	LatencyBoostThresholdMs int64
	LatencyBoostPercent     float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// MissionPolicy carries one fallback objective weight vector, used for
// any mission type that Config.ObjectiveWeights omits.
type MissionPolicy struct {
	DefaultTravelEnergy  float64
	DefaultLoadBalance   float64
	DefaultPriority      float64
	DefaultTemporalSlack float64
}

// Default returns a TelemetryPolicy populated with reasonable heuristics.
// Adjust carefully; downstream alerting may assume these semantics.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:                 2 * time.Second,
			CycleMinSamples:          10,
			CycleDegradedRatio:       0.50,
			CycleUnhealthyRatio:      0.80,
			StoreDegradedCheckpoint:  256,
			StoreUnhealthyCheckpoint: 512,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
		Mission: MissionPolicy{DefaultTravelEnergy: 1, DefaultLoadBalance: 0.5, DefaultPriority: 1, DefaultTemporalSlack: 0.25},
	}
}

// Normalize ensures sane bounds without mutating original; returns a cleaned copy.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.CycleMinSamples <= 0 {
		c.Health.CycleMinSamples = 10
	}
	if c.Health.CycleDegradedRatio <= 0 {
		c.Health.CycleDegradedRatio = 0.50
	}
	if c.Health.CycleUnhealthyRatio <= 0 {
		c.Health.CycleUnhealthyRatio = 0.80
	}
	if c.Health.StoreDegradedCheckpoint <= 0 {
		c.Health.StoreDegradedCheckpoint = 256
	}
	if c.Health.StoreUnhealthyCheckpoint <= 0 {
		c.Health.StoreUnhealthyCheckpoint = 512
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	if c.Mission.DefaultTravelEnergy <= 0 {
		c.Mission.DefaultTravelEnergy = 1
	}
	return c
}

// ObjectiveWeights materializes the mission policy's defaults as the
// weight vector shape Config.ObjectiveWeights expects, for callers that
// need a fallback when a mission type has no configured entry.
func (m MissionPolicy) ObjectiveWeights() (travelEnergy, loadBalance, priority, temporalSlack float64) {
	return m.DefaultTravelEnergy, m.DefaultLoadBalance, m.DefaultPriority, m.DefaultTemporalSlack
}
