package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDemoScenarios runs every scenario under testdata/scenarios and
// compares its trace with the matching golden file.
func TestDemoScenarios(t *testing.T) {
	paths, err := filepath.Glob("../../testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths, "no demo scenarios found")

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, "failed to load %s", path)

		t.Run(scenario.Name, func(t *testing.T) {
			assert.NotEmpty(t, scenario.Description, "scenario should have description")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario failed: %v", result.Errors)
		})
	}
}

func TestDemoScenarios_Expected(t *testing.T) {
	want := []string{
		"auto_chain_rejected",
		"full_pipeline",
		"normalize_labels",
		"push_invalidates",
		"role_restricted_skip",
	}
	for _, name := range want {
		_, err := LoadScenario(filepath.Join("../../testdata/scenarios", name+".yaml"))
		assert.NoError(t, err, name)
	}
}
