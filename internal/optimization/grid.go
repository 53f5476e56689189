package optimization

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Category says which half of a ParameterSet a dimension writes to.
type Category string

const (
	CategoryOracle Category = "oracle"
	CategoryRisk   Category = "risk"
)

// Dimension is one named parameter and the values to try for it.
type Dimension struct {
	Category Category  `json:"category"`
	Name     string    `json:"name"`
	Values   []float64 `json:"values"`
}

// ParameterGrid is the Cartesian product of its dimensions, enumerated in
// declaration order with the first dimension varying slowest.
type ParameterGrid struct {
	dims []Dimension
}

// NewParameterGrid creates a grid from dims.
func NewParameterGrid(dims ...Dimension) *ParameterGrid {
	g := &ParameterGrid{}
	for _, d := range dims {
		g.Add(d.Category, d.Name, d.Values...)
	}
	return g
}

// Add appends a dimension and returns the grid for chaining.
func (g *ParameterGrid) Add(category Category, name string, values ...float64) *ParameterGrid {
	g.dims = append(g.dims, Dimension{
		Category: category,
		Name:     name,
		Values:   append([]float64(nil), values...),
	})
	return g
}

// Dimensions returns the declared dimensions.
func (g *ParameterGrid) Dimensions() []Dimension {
	return append([]Dimension(nil), g.dims...)
}

// Validate rejects unknown categories, empty value lists and repeated names.
func (g *ParameterGrid) Validate() error {
	seen := make(map[string]bool, len(g.dims))
	for _, d := range g.dims {
		if d.Category != CategoryOracle && d.Category != CategoryRisk {
			return fmt.Errorf("parameter %q: unknown category %q", d.Name, d.Category)
		}
		if d.Name == "" {
			return fmt.Errorf("parameter with empty name in category %s", d.Category)
		}
		key := string(d.Category) + "." + d.Name
		if seen[key] {
			return fmt.Errorf("parameter %s declared twice", key)
		}
		seen[key] = true
		if len(d.Values) == 0 {
			return fmt.Errorf("parameter %s has no values", key)
		}
	}
	return nil
}

// Size returns the number of combinations. An empty grid has one.
func (g *ParameterGrid) Size() int {
	size := 1
	for _, d := range g.dims {
		size *= len(d.Values)
	}
	return size
}

// Combinations enumerates every parameter set in product order.
func (g *ParameterGrid) Combinations() []types.ParameterSet {
	combos := make([]types.ParameterSet, 0, g.Size())
	return g.product(0, types.ParameterSet{Oracle: types.Params{}, Risk: types.Params{}}, combos)
}

func (g *ParameterGrid) product(idx int, current types.ParameterSet, acc []types.ParameterSet) []types.ParameterSet {
	if idx == len(g.dims) {
		return append(acc, current.Clone())
	}
	d := g.dims[idx]
	target := current.Oracle
	if d.Category == CategoryRisk {
		target = current.Risk
	}
	for _, v := range d.Values {
		target[d.Name] = v
		acc = g.product(idx+1, current, acc)
	}
	delete(target, d.Name)
	return acc
}

// Range returns min, min+step, ... up to max inclusive. A non-positive
// step yields just min.
func Range(min, max, step float64) []float64 {
	if step <= 0 || max < min {
		return []float64{min}
	}
	n := int(math.Floor((max-min)/step+1e-9)) + 1
	values := make([]float64, n)
	for i := range values {
		values[i] = min + float64(i)*step
	}
	return values
}

// ParseGrid reads a grid from its command-line form: dimensions separated by
// ";", each "category.name=values" where values is a comma list or a
// "min:max:step" range.
//
//	oracle.fast_period=3,5,8;risk.stop_loss_pct=0.01:0.03:0.01
func ParseGrid(spec string) (*ParameterGrid, error) {
	grid := NewParameterGrid()
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, rawValues, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("grid dimension %q: missing '='", part)
		}
		category, name, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok {
			return nil, fmt.Errorf("grid dimension %q: want category.name", key)
		}
		values, err := parseValues(strings.TrimSpace(rawValues))
		if err != nil {
			return nil, fmt.Errorf("grid dimension %s: %w", key, err)
		}
		grid.Add(Category(category), name, values...)
	}
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	return grid, nil
}

func parseValues(raw string) ([]float64, error) {
	if bounds := strings.Split(raw, ":"); len(bounds) == 3 {
		var nums [3]float64
		for i, b := range bounds {
			v, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
			if err != nil {
				return nil, err
			}
			nums[i] = v
		}
		if nums[2] <= 0 || nums[1] < nums[0] {
			return nil, fmt.Errorf("range %q needs min <= max and a positive step", raw)
		}
		return Range(nums[0], nums[1], nums[2]), nil
	}

	var values []float64
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
