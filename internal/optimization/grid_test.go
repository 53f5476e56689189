package optimization

import (
	"testing"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombinationsFollowDeclarationOrder(t *testing.T) {
	grid := NewParameterGrid().
		Add(CategoryOracle, "fast_period", 5, 10).
		Add(CategoryRisk, "stop_loss_pct", 0.01, 0.02, 0.03)

	require.NoError(t, grid.Validate())
	assert.Equal(t, 6, grid.Size())

	combo := func(fast, stop float64) types.ParameterSet {
		return types.ParameterSet{
			Oracle: types.Params{"fast_period": fast},
			Risk:   types.Params{"stop_loss_pct": stop},
		}
	}
	want := []types.ParameterSet{
		combo(5, 0.01), combo(5, 0.02), combo(5, 0.03),
		combo(10, 0.01), combo(10, 0.02), combo(10, 0.03),
	}
	if diff := cmp.Diff(want, grid.Combinations()); diff != "" {
		t.Fatalf("combinations mismatch (-want +got):\n%s", diff)
	}
}

func TestCombinationsAreIndependent(t *testing.T) {
	combos := NewParameterGrid().Add(CategoryOracle, "x", 1, 2).Combinations()
	combos[0].Oracle["x"] = 99
	assert.Equal(t, 2.0, combos[1].Oracle["x"])
}

func TestEmptyGrid(t *testing.T) {
	grid := NewParameterGrid()
	assert.Equal(t, 1, grid.Size())
	combos := grid.Combinations()
	require.Len(t, combos, 1)
	assert.Empty(t, combos[0].Oracle)
	assert.Empty(t, combos[0].Risk)
}

func TestGridValidate(t *testing.T) {
	tests := []struct {
		name string
		grid *ParameterGrid
	}{
		{"unknown category", NewParameterGrid().Add("execution", "x", 1)},
		{"empty values", NewParameterGrid().Add(CategoryOracle, "x")},
		{"duplicate", NewParameterGrid().Add(CategoryRisk, "x", 1).Add(CategoryRisk, "x", 2)},
		{"empty name", NewParameterGrid().Add(CategoryOracle, "", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.grid.Validate())
		})
	}

	// the same name may appear once per category
	assert.NoError(t, NewParameterGrid().Add(CategoryOracle, "x", 1).Add(CategoryRisk, "x", 2).Validate())
}

func TestNewParameterGridFromDimensions(t *testing.T) {
	dims := []Dimension{
		{Category: CategoryOracle, Name: "grid_count", Values: []float64{5, 10}},
		{Category: CategoryRisk, Name: "range_pct", Values: []float64{0.1}},
	}
	grid := NewParameterGrid(dims...)
	dims[0].Values[0] = 7

	assert.Equal(t, 2, grid.Size())
	assert.Equal(t, 5.0, grid.Dimensions()[0].Values[0])
}

func TestRange(t *testing.T) {
	assert.Equal(t, []float64{1, 1.25, 1.5, 1.75, 2}, Range(1, 2, 0.25))
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, Range(0.1, 0.3, 0.1), 1e-12)
	assert.Equal(t, []float64{3}, Range(3, 5, 0))
	assert.Equal(t, []float64{3}, Range(3, 1, 1))
}

func TestParseGrid(t *testing.T) {
	grid, err := ParseGrid("oracle.fast_period=3, 5 ;risk.stop_loss_pct=1:3:1;")
	require.NoError(t, err)

	want := []Dimension{
		{Category: CategoryOracle, Name: "fast_period", Values: []float64{3, 5}},
		{Category: CategoryRisk, Name: "stop_loss_pct", Values: []float64{1, 2, 3}},
	}
	if diff := cmp.Diff(want, grid.Dimensions()); diff != "" {
		t.Errorf("dimensions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, grid.Size())
}

func TestParseGridErrors(t *testing.T) {
	for _, spec := range []string{
		"oracle.fast_period",
		"fast_period=3",
		"signal.fast_period=3",
		"oracle.fast_period=three",
		"oracle.fast_period=",
		"oracle.fast_period=5:1:1",
		"oracle.fast_period=1:5:0",
		"oracle.x=1;oracle.x=2",
	} {
		_, err := ParseGrid(spec)
		assert.Error(t, err, spec)
	}

	grid, err := ParseGrid("")
	require.NoError(t, err)
	assert.Equal(t, 1, grid.Size())
}
