package models

import "errors"

// Startup / configuration errors. Fatal at process start;
// never returned from the hot path.
var (
	ErrInvalidSafetyReserve    = errors.New("safety reserve fraction must be in [0,1)")
	ErrInvalidCollisionBuffer  = errors.New("collision buffer must be positive")
	ErrInvalidOptimizationCap  = errors.New("optimization budget must be positive")
	ErrInvalidTelemetryPeriod  = errors.New("telemetry period must be positive")
	ErrInvalidAltitudeBounds   = errors.New("min altitude must not exceed max altitude")
	ErrInvalidRegionBounds     = errors.New("region min must not exceed region max")
	ErrMissingObjectiveWeights = errors.New("objective weights required for every mission type")
)
