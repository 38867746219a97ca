// Package features derives the column-level feature specification for a run:
// which columns feed each dynamic source group, which static attributes and
// targets are used, and how categorical and bitmask columns expand into
// encoded channels.
package features

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/hydroml/riverseq/internal/config"
)

// SchemaError reports a declared column that is absent from the source data
// or from the feature lists it must belong to. Fatal at catalog build time.
type SchemaError struct {
	Column string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: column %q: %s", e.Column, e.Reason)
}

// Spec is the built feature catalog. Dynamic holds the raw (pre-encoding)
// column lists per source group in declared order; rolling-mean columns are
// appended by the basin store and reflected here via RollingColumns.
type Spec struct {
	GroupOrder []string
	Dynamic    map[string][]string
	Static     []string
	Targets    []string

	// Encoding declarations, validated against the dynamic/static lists.
	Categorical map[string][]float64 // column -> distinct train-split values, sorted
	BitmaskBits map[string]int

	LogNormCols   map[string]bool
	RangeNormCols map[string]bool

	RollingWindows []int

	// DroppedStatic records attribute columns removed because their
	// training-split values were constant or entirely missing.
	DroppedStatic []string
}

// Build validates the config's feature declarations and returns the catalog.
// Categorical cardinalities are fitted later, from training-split data only,
// via FitCategorical. When features.static is empty the basin store fills it
// in from the attribute table through DefaultStatic.
func Build(cfg *config.Config) (*Spec, error) {
	s := &Spec{
		Dynamic:        make(map[string][]string, len(cfg.Features.Dynamic)),
		Static:         append([]string(nil), cfg.Features.Static...),
		Targets:        append([]string(nil), cfg.Features.Target...),
		Categorical:    make(map[string][]float64),
		BitmaskBits:    make(map[string]int),
		LogNormCols:    make(map[string]bool),
		RangeNormCols:  make(map[string]bool),
		RollingWindows: append([]int(nil), cfg.AddRollingMeans...),
	}

	for group := range cfg.Features.Dynamic {
		s.GroupOrder = append(s.GroupOrder, group)
	}
	sort.Strings(s.GroupOrder)

	declared := make(map[string]bool)
	for _, group := range s.GroupOrder {
		cols := cfg.Features.Dynamic[group]
		seen := make(map[string]bool, len(cols))
		for _, c := range cols {
			if seen[c] {
				return nil, &SchemaError{Column: c, Reason: fmt.Sprintf("duplicated in group %q", group)}
			}
			seen[c] = true
			declared[c] = true
		}
		s.Dynamic[group] = append([]string(nil), cols...)
	}
	for _, c := range s.Static {
		declared[c] = true
	}

	for _, c := range cfg.CategoricalCols {
		if !declared[c] {
			return nil, &SchemaError{Column: c, Reason: "categorical_cols entry not in dynamic or static feature lists"}
		}
		s.Categorical[c] = nil
	}
	for c, bits := range cfg.BitmaskCols {
		if !declared[c] {
			return nil, &SchemaError{Column: c, Reason: "bitmask_cols entry not in dynamic or static feature lists"}
		}
		if _, dup := s.Categorical[c]; dup {
			return nil, &SchemaError{Column: c, Reason: "declared both categorical and bitmask"}
		}
		s.BitmaskBits[c] = bits
	}
	for _, c := range cfg.LogNormCols {
		s.LogNormCols[c] = true
	}
	for _, c := range cfg.RangeNormCols {
		s.RangeNormCols[c] = true
	}
	return s, nil
}

// FitCategorical records the distinct observed values of a categorical
// column. Callers must pass training-split values only; the test split never
// contributes to the encoding.
func (s *Spec) FitCategorical(col string, values []float64) {
	set := make(map[float64]bool)
	for _, v := range values {
		if !math.IsNaN(v) {
			set[v] = true
		}
	}
	distinct := make([]float64, 0, len(set))
	for v := range set {
		distinct = append(distinct, v)
	}
	sort.Float64s(distinct)
	s.Categorical[col] = distinct
}

// Cardinality returns the one-hot width of a fitted categorical column.
func (s *Spec) Cardinality(col string) int {
	return len(s.Categorical[col])
}

// RollingColumns returns the derived trailing-mean column names for a base
// column. Categorical and bitmask columns get no rolling derivatives.
func (s *Spec) RollingColumns(col string) []string {
	if _, ok := s.Categorical[col]; ok {
		return nil
	}
	if _, ok := s.BitmaskBits[col]; ok {
		return nil
	}
	out := make([]string, 0, len(s.RollingWindows))
	for _, w := range s.RollingWindows {
		out = append(out, fmt.Sprintf("%s_roll%d", col, w))
	}
	return out
}

// ColumnKind classifies an encoded channel for downstream normalization:
// one-hot and bitmask channels pass through untouched, value and rolling
// channels normalize by their base column's declared mode.
type ColumnKind int

const (
	KindValue ColumnKind = iota
	KindRolling
	KindOneHot
	KindBitmask
)

// EncodedColumn is one post-encoding channel with its base column name.
type EncodedColumn struct {
	Name string
	Base string
	Kind ColumnKind
}

// EncodedLayout returns the post-encoding channel layout for a group:
// plain columns pass through (followed by their rolling-mean derivatives),
// each categorical column becomes one channel per fitted value, each
// bitmask column one channel per declared bit.
func (s *Spec) EncodedLayout(group string) []EncodedColumn {
	var out []EncodedColumn
	for _, c := range s.Dynamic[group] {
		out = append(out, s.expandColumn(c, true)...)
	}
	return out
}

// StaticLayout returns the encoded layout of the static vector. Rolling
// means never apply to static attributes.
func (s *Spec) StaticLayout() []EncodedColumn {
	var out []EncodedColumn
	for _, c := range s.Static {
		out = append(out, s.expandColumn(c, false)...)
	}
	return out
}

func (s *Spec) expandColumn(c string, rolling bool) []EncodedColumn {
	if vals, ok := s.Categorical[c]; ok {
		out := make([]EncodedColumn, len(vals))
		for i, v := range vals {
			out[i] = EncodedColumn{Name: fmt.Sprintf("%s=%g", c, v), Base: c, Kind: KindOneHot}
		}
		return out
	}
	if bits, ok := s.BitmaskBits[c]; ok {
		out := make([]EncodedColumn, bits)
		for i := 0; i < bits; i++ {
			out[i] = EncodedColumn{Name: fmt.Sprintf("%s_bit%d", c, i), Base: c, Kind: KindBitmask}
		}
		return out
	}
	out := []EncodedColumn{{Name: c, Base: c, Kind: KindValue}}
	if rolling {
		for _, name := range s.RollingColumns(c) {
			out = append(out, EncodedColumn{Name: name, Base: c, Kind: KindRolling})
		}
	}
	return out
}

// ExpandedColumns returns the post-encoding column names for a group.
func (s *Spec) ExpandedColumns(group string) []string {
	layout := s.EncodedLayout(group)
	out := make([]string, len(layout))
	for i, ec := range layout {
		out[i] = ec.Name
	}
	return out
}

// EncodedWidth returns the feature count of a group after encoding.
func (s *Spec) EncodedWidth(group string) int {
	return len(s.EncodedLayout(group))
}

// DefaultStatic fills the static column list from the attribute table when
// the config left it unspecified: all numeric attribute columns, minus any
// whose training-split values are constant or entirely missing. Drops are
// reported, not silently ignored.
func (s *Spec) DefaultStatic(cols []string, values map[string][]float64) {
	if len(s.Static) > 0 {
		return
	}
	sorted := append([]string(nil), cols...)
	sort.Strings(sorted)
	for _, c := range sorted {
		if keepStatic(values[c]) {
			s.Static = append(s.Static, c)
		} else {
			s.DroppedStatic = append(s.DroppedStatic, c)
		}
	}
	if len(s.DroppedStatic) > 0 {
		log.Printf("features: dropped %d constant or all-missing attribute columns: %v",
			len(s.DroppedStatic), s.DroppedStatic)
	}
}

func keepStatic(vals []float64) bool {
	first := math.NaN()
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(first) {
			first = v
		} else if v != first {
			return true
		}
	}
	return false
}
