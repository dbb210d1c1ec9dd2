package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/pipeline"
)

func TestIncrementalRebuildGolden(t *testing.T) {
	res := RunWithGolden(t, "testdata/scenarios/incremental-rebuild.yaml")
	require.True(t, res.Pass, "errors: %v", res.Errors)
	require.Len(t, res.Builds, 3)

	// The second build is pure cache hits.
	for _, j := range res.Builds[1].Result.Jobs {
		assert.Equal(t, pipeline.StateCacheHit, j.State, "%s/%s", j.Name, j.Key.Kind)
	}
}

func TestDefaultsBuildGolden(t *testing.T) {
	res := RunWithGolden(t, "testdata/scenarios/defaults-build.yaml")
	require.True(t, res.Pass, "errors: %v", res.Errors)
}

func TestSnapshotIsReproducible(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/incremental-rebuild.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, string(Snapshot(scenario, first)), string(Snapshot(scenario, second)))
}
