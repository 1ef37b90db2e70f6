package fleetcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/fleetcore/models"
)

func TestDefaults_PassesValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidate_RejectsOutOfRangeSafetyReserve(t *testing.T) {
	cfg := Defaults()
	cfg.SafetyReserveFraction = 1.0
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidSafetyReserve)

	cfg.SafetyReserveFraction = -0.1
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidSafetyReserve)
}

func TestValidate_RejectsNonPositiveCollisionBuffer(t *testing.T) {
	cfg := Defaults()
	cfg.CollisionBufferM = 0
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidCollisionBuffer)
}

func TestValidate_RejectsNonPositiveOptimizationCap(t *testing.T) {
	cfg := Defaults()
	cfg.MaxOptimizationIterations = 0
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidOptimizationCap)
}

func TestValidate_RejectsNonPositiveCycleInterval(t *testing.T) {
	cfg := Defaults()
	cfg.CycleInterval = 0
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidTelemetryPeriod)
}

func TestValidate_RejectsInvertedRegion(t *testing.T) {
	cfg := Defaults()
	cfg.Region = models.Region{MinX: 100, MaxX: -100, MinY: -1, MaxY: 1}
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidRegionBounds)
}

func TestValidate_RejectsInvertedAltitudeBounds(t *testing.T) {
	cfg := Defaults()
	cfg.AltitudeMinM = 500
	cfg.AltitudeMaxM = 0
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidAltitudeBounds)
}

func TestValidate_RejectsMissingObjectiveWeightsForAMission(t *testing.T) {
	cfg := Defaults()
	delete(cfg.ObjectiveWeights, models.MissionDelivery)
	assert.ErrorIs(t, cfg.Validate(), models.ErrMissingObjectiveWeights)
}

func TestToOrchestratorConfig_CarriesCoreFields(t *testing.T) {
	cfg := Defaults()
	oc := cfg.toOrchestratorConfig()
	assert.Equal(t, cfg.CycleInterval, oc.CycleInterval)
	assert.Equal(t, cfg.Region, oc.Region)
	assert.Equal(t, cfg.MaxOptimizationIterations, oc.MaxOptimizationIterations)
	assert.Equal(t, cfg.MaxConcurrentDispatch, oc.MaxConcurrentDispatch)
}

func TestToOrchestratorConfig_CarriesAnomalyAndBudgetFields(t *testing.T) {
	cfg := Defaults()
	oc := cfg.toOrchestratorConfig()
	assert.Equal(t, cfg.AnomalyMultiplier, oc.AnomalyMultiplier)
	assert.Equal(t, cfg.BaselineDischargeRate, oc.BaselineDischargeRate)
	assert.Equal(t, cfg.PositionJumpThresholdM, oc.PositionJumpThresholdM)
	assert.Equal(t, cfg.CycleBudget, oc.CycleBudget)
}

func TestToFaultDetectConfig_CarriesThresholds(t *testing.T) {
	cfg := Defaults()
	fc := cfg.toFaultDetectConfig()
	assert.Equal(t, cfg.FaultDetect.FailureThreshold, fc.FailureThreshold)
	assert.Equal(t, cfg.FaultDetect.OpenCooldown, fc.OpenCooldown)
}

func TestToAuditConfig_CarriesDispatchBoundFromMainConfig(t *testing.T) {
	cfg := Defaults()
	cfg.MaxConcurrentDispatch = 42
	ac := cfg.toAuditConfig()
	assert.Equal(t, 42, ac.MaxInFlightCommand)
}
