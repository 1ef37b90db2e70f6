package fleetcore

import (
	"time"

	"github.com/ridgeline/fleetcore/internal/audit"
	"github.com/ridgeline/fleetcore/internal/faultdetect"
	"github.com/ridgeline/fleetcore/internal/orchestrator"
	"github.com/ridgeline/fleetcore/internal/telemetry/policy"
	"github.com/ridgeline/fleetcore/models"
)

// Config is the public configuration surface for the Core facade: a
// flat struct of tunables validated once at startup.
type Config struct {
	// Cycle timing
	CycleInterval      time.Duration
	StalenessThreshold time.Duration

	// Operating region and constraint knobs
	Region                models.Region
	SafetyReserveFraction float64
	CollisionBufferM      float64
	HoverEnergyRate       float64

	// Anomaly-based failure detection, in addition to raw telemetry
	// staleness: discharge rate, position jump, and altitude envelope.
	AnomalyMultiplier      float64
	BaselineDischargeRate  float64
	PositionJumpThresholdM float64
	AltitudeMinM           float64
	AltitudeMaxM           float64

	// CycleBudget is the soft per-cycle wall-clock deadline.
	CycleBudget time.Duration

	// Optimizer budget
	MaxOptimizationIterations int
	OptimizationTimeBudget    time.Duration

	// Mission selection and objective weighting
	MissionType      models.MissionType
	ObjectiveWeights map[models.MissionType]models.ObjectiveWeights

	// Channel sizing
	TelemetryBufferSize int
	CommandBufferSize   int
	EventBufferSize     int
	MaxConcurrentDispatch int

	// Fault detection
	FaultDetect FaultDetectConfig

	// Audit/history
	Audit AuditConfig

	// Telemetry (ambient stack)
	MetricsEnabled       bool
	MetricsBackend       string // "prom" | "otel" | "noop"
	PrometheusListenAddr string
	TracingSamplePercent float64
	HealthProbeTTL       time.Duration

	// Config hot-reload (supplemental feature)
	ConfigFilePath string // YAML representation watched for changes; empty disables
}

// FaultDetectConfig configures the per-vehicle telemetry circuit breaker.
type FaultDetectConfig struct {
	Shards            int
	FailureThreshold  int
	RecoverySuccesses int
	OpenCooldown      time.Duration
}

// AuditConfig configures decision-event history retention.
type AuditConfig struct {
	CacheCapacity   int
	SpillDirectory  string
	JournalPath     string
	JournalInterval time.Duration
}

// Defaults returns a Config with reasonable defaults.
func Defaults() Config {
	telemetryDefaults := policy.Default()
	return Config{
		CycleInterval:      time.Second,
		StalenessThreshold: 5 * time.Second,

		Region:                models.Region{MinX: -1000, MinY: -1000, MaxX: 1000, MaxY: 1000},
		SafetyReserveFraction: 0.20,
		CollisionBufferM:      15,
		HoverEnergyRate:       0,

		AnomalyMultiplier:      1.5,
		BaselineDischargeRate:  0.01,
		PositionJumpThresholdM: 100,
		AltitudeMinM:           0,
		AltitudeMaxM:           500,

		CycleBudget: 6 * time.Second,

		MaxOptimizationIterations: 200,
		OptimizationTimeBudget:    250 * time.Millisecond,

		MissionType: models.MissionSurveillance,
		ObjectiveWeights: map[models.MissionType]models.ObjectiveWeights{
			models.MissionSurveillance: {TravelEnergy: 1, LoadBalance: 0.5, Priority: 1, TemporalSlack: 0.1},
			models.MissionSearch:       {TravelEnergy: 0.75, LoadBalance: 0.5, Priority: 1.5, TemporalSlack: 0.5},
			models.MissionDelivery:     {TravelEnergy: 1, LoadBalance: 0.25, Priority: 1, TemporalSlack: 1},
		},

		TelemetryBufferSize:   256,
		CommandBufferSize:     256,
		EventBufferSize:       64,
		MaxConcurrentDispatch: 8,

		FaultDetect: FaultDetectConfig{
			Shards:            16,
			FailureThreshold:  5,
			RecoverySuccesses: 3,
			OpenCooldown:      5 * time.Second,
		},

		Audit: AuditConfig{
			CacheCapacity:   256,
			JournalInterval: 50 * time.Millisecond,
		},

		MetricsEnabled:       false,
		MetricsBackend:       "prom",
		TracingSamplePercent: telemetryDefaults.Tracing.SamplePercent,
		HealthProbeTTL:       telemetryDefaults.Health.ProbeTTL,
	}
}

// Validate checks the config for internally-inconsistent values, fatal
// at process start.
func (c Config) Validate() error {
	if c.SafetyReserveFraction < 0 || c.SafetyReserveFraction >= 1 {
		return models.ErrInvalidSafetyReserve
	}
	if c.CollisionBufferM <= 0 {
		return models.ErrInvalidCollisionBuffer
	}
	if c.MaxOptimizationIterations <= 0 {
		return models.ErrInvalidOptimizationCap
	}
	if c.CycleInterval <= 0 {
		return models.ErrInvalidTelemetryPeriod
	}
	if c.Region.MinX > c.Region.MaxX || c.Region.MinY > c.Region.MaxY {
		return models.ErrInvalidRegionBounds
	}
	if c.AltitudeMinM > c.AltitudeMaxM {
		return models.ErrInvalidAltitudeBounds
	}
	for _, mt := range []models.MissionType{models.MissionSurveillance, models.MissionSearch, models.MissionDelivery} {
		if _, ok := c.ObjectiveWeights[mt]; !ok {
			return models.ErrMissingObjectiveWeights
		}
	}
	return nil
}

func (c Config) toOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		CycleInterval:              c.CycleInterval,
		StalenessThreshold:         c.StalenessThreshold,
		TelemetryBufferSize:        c.TelemetryBufferSize,
		CommandBufferSize:          c.CommandBufferSize,
		EventBufferSize:            c.EventBufferSize,
		Region:                     c.Region,
		SafetyReserveFraction:      c.SafetyReserveFraction,
		CollisionBufferM:           c.CollisionBufferM,
		HoverEnergyRate:            c.HoverEnergyRate,
		MissionType:                c.MissionType,
		ObjectiveWeights:           c.ObjectiveWeights,
		MaxOptimizationIterations:  c.MaxOptimizationIterations,
		OptimizationTimeBudget:     c.OptimizationTimeBudget,
		MaxConcurrentDispatch:      c.MaxConcurrentDispatch,
		AnomalyMultiplier:          c.AnomalyMultiplier,
		BaselineDischargeRate:      c.BaselineDischargeRate,
		PositionJumpThresholdM:     c.PositionJumpThresholdM,
		CycleBudget:                c.CycleBudget,
	}
}

func (c Config) toFaultDetectConfig() faultdetect.Config {
	return faultdetect.Config{
		Shards:            c.FaultDetect.Shards,
		FailureThreshold:  c.FaultDetect.FailureThreshold,
		RecoverySuccesses: c.FaultDetect.RecoverySuccesses,
		OpenCooldown:      c.FaultDetect.OpenCooldown,
	}
}

func (c Config) toAuditConfig() audit.Config {
	return audit.Config{
		CacheCapacity:      c.Audit.CacheCapacity,
		MaxInFlightCommand: c.MaxConcurrentDispatch,
		SpillDirectory:     c.Audit.SpillDirectory,
		JournalPath:        c.Audit.JournalPath,
		JournalInterval:    c.Audit.JournalInterval,
	}
}
