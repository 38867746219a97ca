// Package batch materializes window indices into normalized tensor batches.
// Normalization statistics are fitted once per run, from the training split
// only, and applied identically to every subset.
package batch

import (
	"math"
	"sort"

	"github.com/hydroml/riverseq/internal/basin"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/features"
)

// Mode selects how a channel normalizes.
type Mode int

const (
	ModeStandard Mode = iota // (v - mean) / std
	ModeLog                  // (ln v - mean) / std, v <= 0 treated as missing
	ModeRange                // (v - min) / (max - min)
	ModeIdentity             // pass through (one-hot and bitmask channels)
)

// ColumnStats holds one channel's fitted statistics.
type ColumnStats struct {
	Mode Mode
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Stats holds the fitted per-channel statistics for all tensors.
type Stats struct {
	Dynamic map[string][]ColumnStats
	Static  []ColumnStats
	Target  []ColumnStats
}

// Fit computes normalization statistics over the training split of the
// loaded records: rows strictly before split_time, or the whole slice when
// split_time is unset. Test-split rows never contribute.
func Fit(records map[string]*basin.Record, cfg *config.Config, spec *features.Spec) *Stats {
	st := &Stats{Dynamic: make(map[string][]ColumnStats, len(spec.GroupOrder))}

	// Basins accumulate in sorted order so the fitted moments are identical
	// run to run.
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	trainRows := func(rec *basin.Record) int {
		if cfg.SplitTime == nil {
			return rec.Days()
		}
		n := rec.Index(cfg.SplitTime.Time)
		if n < 0 {
			return 0
		}
		if n > rec.Days() {
			return rec.Days()
		}
		return n
	}

	for _, group := range spec.GroupOrder {
		layout := spec.EncodedLayout(group)
		cols := make([]ColumnStats, len(layout))
		for j, ec := range layout {
			acc := newAccumulator(channelMode(ec, spec))
			for _, id := range ids {
				rec := records[id]
				m := rec.Dynamic[group]
				for i, n := 0, trainRows(rec); i < n; i++ {
					acc.add(m[i][j])
				}
			}
			cols[j] = acc.finish()
		}
		st.Dynamic[group] = cols
	}

	staticLayout := spec.StaticLayout()
	st.Static = make([]ColumnStats, len(staticLayout))
	for j, ec := range staticLayout {
		acc := newAccumulator(channelMode(ec, spec))
		for _, id := range ids {
			if rec := records[id]; j < len(rec.Static) {
				acc.add(rec.Static[j])
			}
		}
		st.Static[j] = acc.finish()
	}

	st.Target = make([]ColumnStats, len(spec.Targets))
	for j, col := range spec.Targets {
		acc := newAccumulator(targetMode(col, spec))
		for _, id := range ids {
			rec := records[id]
			for i, n := 0, trainRows(rec); i < n; i++ {
				acc.add(rec.Targets[i][j])
			}
		}
		st.Target[j] = acc.finish()
	}
	return st
}

func channelMode(ec features.EncodedColumn, spec *features.Spec) Mode {
	switch ec.Kind {
	case features.KindOneHot, features.KindBitmask:
		return ModeIdentity
	}
	return targetMode(ec.Base, spec)
}

func targetMode(col string, spec *features.Spec) Mode {
	if spec.LogNormCols[col] {
		return ModeLog
	}
	if spec.RangeNormCols[col] {
		return ModeRange
	}
	return ModeStandard
}

type accumulator struct {
	mode       Mode
	n          int
	sum, sumSq float64
	min, max   float64
}

func newAccumulator(mode Mode) *accumulator {
	return &accumulator{mode: mode, min: math.Inf(1), max: math.Inf(-1)}
}

func (a *accumulator) add(v float64) {
	if math.IsNaN(v) {
		return
	}
	if a.mode == ModeLog {
		if v <= 0 {
			return
		}
		v = math.Log(v)
	}
	a.n++
	a.sum += v
	a.sumSq += v * v
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
}

func (a *accumulator) finish() ColumnStats {
	cs := ColumnStats{Mode: a.mode, Std: 1, Max: 1}
	if a.n == 0 {
		return cs
	}
	mean := a.sum / float64(a.n)
	variance := a.sumSq/float64(a.n) - mean*mean
	cs.Mean = mean
	if variance > 0 {
		cs.Std = math.Sqrt(variance)
	}
	cs.Min = a.min
	cs.Max = a.max
	if cs.Max == cs.Min {
		cs.Max = cs.Min + 1
	}
	return cs
}

// Normalize maps a raw value into model space. Missing stays missing; the
// caller decides the fill.
func (cs ColumnStats) Normalize(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	switch cs.Mode {
	case ModeIdentity:
		return v
	case ModeLog:
		if v <= 0 {
			return math.NaN()
		}
		return (math.Log(v) - cs.Mean) / cs.Std
	case ModeRange:
		return (v - cs.Min) / (cs.Max - cs.Min)
	default:
		return (v - cs.Mean) / cs.Std
	}
}

// Denormalize inverts Normalize, up to floating-point tolerance.
func (cs ColumnStats) Denormalize(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	switch cs.Mode {
	case ModeIdentity:
		return v
	case ModeLog:
		return math.Exp(v*cs.Std + cs.Mean)
	case ModeRange:
		return v*(cs.Max-cs.Min) + cs.Min
	default:
		return v*cs.Std + cs.Mean
	}
}
