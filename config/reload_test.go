package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/fleetcore/models"
)

func writeWeights(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad_ParsesValidWeightsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	writeWeights(t, path, "version: \"1\"\nweights:\n  delivery:\n    travelenergy: 2\n    loadbalance: 1\n    priority: 3\n    temporalslack: 0.5\n")

	weights, err := Load(path)
	require.NoError(t, err)
	w, ok := weights[models.MissionDelivery]
	require.True(t, ok)
	assert.Equal(t, 2.0, w.TravelEnergy)
	assert.Equal(t, 3.0, w.Priority)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	writeWeights(t, path, "not: [valid: yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNewWatcher_RequiresApplier(t *testing.T) {
	_, err := NewWatcher("/tmp/whatever.yaml", nil, nil)
	assert.Error(t, err)
}

func TestReload_SkipsWhenChecksumUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	body := "version: \"1\"\nweights:\n  search:\n    travelenergy: 1\n    loadbalance: 1\n    priority: 1\n    temporalslack: 1\n"
	writeWeights(t, path, body)

	var mu sync.Mutex
	applyCount := 0
	w, err := NewWatcher(path, func(map[models.MissionType]models.ObjectiveWeights) {
		mu.Lock()
		applyCount++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	w.reload()
	w.reload()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, applyCount, "unchanged content should only apply once")
}

func TestReload_SkipsEmptyWeightsWithoutUpdatingChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	writeWeights(t, path, "version: \"1\"\nweights: {}\n")

	var applied bool
	w, err := NewWatcher(path, func(map[models.MissionType]models.ObjectiveWeights) { applied = true }, nil)
	require.NoError(t, err)

	w.reload()
	assert.False(t, applied)
	assert.Empty(t, w.lastSum)
}

func TestReload_SkipsMalformedAndReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	writeWeights(t, path, "this is not { yaml")

	var gotErr error
	w, err := NewWatcher(path, func(map[models.MissionType]models.ObjectiveWeights) {}, func(e error) { gotErr = e })
	require.NoError(t, err)

	w.reload()
	assert.Error(t, gotErr)
}

func TestWatcher_StartStopIdempotentAndDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	writeWeights(t, path, "version: \"1\"\nweights:\n  delivery:\n    travelenergy: 1\n    loadbalance: 1\n    priority: 1\n    temporalslack: 1\n")

	applied := make(chan map[models.MissionType]models.ObjectiveWeights, 1)
	w, err := NewWatcher(path, func(weights map[models.MissionType]models.ObjectiveWeights) {
		applied <- weights
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second Start should fail while already watching")

	writeWeights(t, path, "version: \"2\"\nweights:\n  delivery:\n    travelenergy: 9\n    loadbalance: 1\n    priority: 1\n    temporalslack: 1\n")

	select {
	case weights := <-applied:
		assert.Equal(t, 9.0, weights[models.MissionDelivery].TravelEnergy)
	case <-time.After(2 * time.Second):
		t.Fatal("expected watcher to pick up the file change")
	}

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "second Stop should be a no-op")
}
