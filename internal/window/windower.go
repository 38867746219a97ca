// Package window turns loaded basin records into the (basin, end-date) index
// the batch assembler draws from. Enumeration is deterministic for a fixed
// (records, config, subset); all randomness lives in the assembler's shuffle.
package window

import (
	"math"
	"sort"
	"time"

	"github.com/hydroml/riverseq/internal/basin"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/metrics"
)

// Subset selects which side of split_time to enumerate. Predict covers the
// test date range but keeps windows whose targets are entirely missing, for
// inference over ungauged periods.
type Subset string

const (
	Train   Subset = "train"
	Test    Subset = "test"
	Predict Subset = "predict"
)

// Window identifies one training or evaluation example: the trailing
// sequence_length-day lookback ending at EndIndex, the basin's static
// vector, and the targets at EndIndex.
type Window struct {
	Basin    string
	EndIndex int
	EndDate  time.Time
}

// Enumerate emits the valid windows for a subset, ordered by basin id and
// end date. A window is valid when the full lookback lies inside the loaded
// slice, its targets are not all missing (except under Predict), and no
// dynamic column is missing across the entire lookback.
func Enumerate(records map[string]*basin.Record, cfg *config.Config, subset Subset) []Window {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seq := cfg.SequenceLength
	var out []Window
	for _, id := range ids {
		rec := records[id]
		present := presenceCounts(rec)
		// The first sequence_length days are spin-up; candidate end-dates
		// start at index sequence_length.
		for i := seq; i < rec.Days(); i++ {
			date := rec.Date(i)
			if !inSubset(date, cfg, subset) {
				continue
			}
			if subset != Predict && allTargetsMissing(rec.Targets[i]) {
				continue
			}
			if anyColumnFullyMissing(present, i-seq+1, i) {
				continue
			}
			out = append(out, Window{Basin: id, EndIndex: i, EndDate: date})
		}
	}
	metrics.WindowsIndexed.WithLabelValues(string(subset)).Add(float64(len(out)))
	return out
}

func inSubset(date time.Time, cfg *config.Config, subset Subset) bool {
	if cfg.SplitTime == nil {
		return subset == Train
	}
	split := cfg.SplitTime.Time
	if subset == Train {
		return date.Before(split)
	}
	return !date.Before(split)
}

func allTargetsMissing(targets []float64) bool {
	for _, v := range targets {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// presenceCounts builds cumulative non-missing counts per encoded dynamic
// column, so per-window whole-column checks are O(columns) instead of
// O(columns * sequence_length).
func presenceCounts(rec *basin.Record) map[string][][]int {
	out := make(map[string][][]int, len(rec.Dynamic))
	for group, m := range rec.Dynamic {
		if len(m) == 0 {
			continue
		}
		cols := len(m[0])
		cum := make([][]int, len(m)+1)
		cum[0] = make([]int, cols)
		for i := range m {
			row := make([]int, cols)
			for j := 0; j < cols; j++ {
				row[j] = cum[i][j]
				if !math.IsNaN(m[i][j]) {
					row[j]++
				}
			}
			cum[i+1] = row
		}
		out[group] = cum
	}
	return out
}

func anyColumnFullyMissing(present map[string][][]int, lo, hi int) bool {
	for _, cum := range present {
		for j := range cum[0] {
			if cum[hi+1][j]-cum[lo][j] == 0 {
				return true
			}
		}
	}
	return false
}
