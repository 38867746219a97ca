package window

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/hydroml/riverseq/internal/basin"
	"github.com/hydroml/riverseq/internal/config"
)

func makeRecord(id string, start time.Time, days int) *basin.Record {
	dyn := make([][]float64, days)
	targets := make([][]float64, days)
	for i := 0; i < days; i++ {
		dyn[i] = []float64{float64(i), float64(i) * 2}
		targets[i] = []float64{float64(i)}
	}
	return &basin.Record{
		ID:      id,
		Start:   start,
		Dynamic: map[string][][]float64{"met": dyn},
		Columns: map[string][]string{"met": {"precip", "temp"}},
		Targets: targets,
	}
}

func scenario(t *testing.T) (map[string]*basin.Record, *config.Config) {
	t.Helper()
	start, err := time.Parse("2006-01-02", "2020-01-01")
	if err != nil {
		t.Fatal(err)
	}
	records := map[string]*basin.Record{
		"b1": makeRecord("b1", start, 400),
		"b2": makeRecord("b2", start, 400),
	}
	split := config.Date{Time: start.AddDate(0, 0, 380)}
	cfg := &config.Config{SequenceLength: 365, SplitTime: &split}
	return records, cfg
}

func TestEnumerateScenario(t *testing.T) {
	records, cfg := scenario(t)

	trainW := Enumerate(records, cfg, Train)
	testW := Enumerate(records, cfg, Test)

	if len(trainW) != 30 {
		t.Errorf("train windows = %d, want 30", len(trainW))
	}
	if len(testW) != 40 {
		t.Errorf("test windows = %d, want 40", len(testW))
	}

	perBasin := make(map[string]int)
	for _, w := range trainW {
		perBasin[w.Basin]++
		if w.EndIndex < 365 || w.EndIndex > 379 {
			t.Errorf("train end index %d outside [365,379]", w.EndIndex)
		}
		if !w.EndDate.Before(cfg.SplitTime.Time) {
			t.Errorf("train window end %v not before split", w.EndDate)
		}
	}
	for id, n := range perBasin {
		if n != 15 {
			t.Errorf("basin %s train windows = %d, want 15", id, n)
		}
	}

	perBasin = make(map[string]int)
	for _, w := range testW {
		perBasin[w.Basin]++
		if w.EndIndex < 380 || w.EndIndex > 399 {
			t.Errorf("test end index %d outside [380,399]", w.EndIndex)
		}
		if w.EndDate.Before(cfg.SplitTime.Time) {
			t.Errorf("test window end %v before split", w.EndDate)
		}
	}
	for id, n := range perBasin {
		if n != 20 {
			t.Errorf("basin %s test windows = %d, want 20", id, n)
		}
	}

	// The subsets partition the valid end-date set with no overlap.
	seen := make(map[Window]bool)
	for _, w := range append(append([]Window(nil), trainW...), testW...) {
		if seen[w] {
			t.Errorf("window %v appears in both subsets", w)
		}
		seen[w] = true
	}
}

func TestEnumerateOrdering(t *testing.T) {
	records, cfg := scenario(t)
	got := Enumerate(records, cfg, Train)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if prev.Basin > cur.Basin {
			t.Fatalf("basins out of order at %d: %s after %s", i, cur.Basin, prev.Basin)
		}
		if prev.Basin == cur.Basin && !prev.EndDate.Before(cur.EndDate) {
			t.Fatalf("dates out of order at %d for basin %s", i, cur.Basin)
		}
	}
	if got[0].EndDate != records["b1"].Date(got[0].EndIndex) {
		t.Error("EndDate does not match the record calendar")
	}
}

func TestEnumerateDeterministic(t *testing.T) {
	records, cfg := scenario(t)
	a := Enumerate(records, cfg, Train)
	b := Enumerate(records, cfg, Train)
	if !reflect.DeepEqual(a, b) {
		t.Error("two enumerations of the same inputs differ")
	}
}

func TestNoSplitAllTrain(t *testing.T) {
	records, cfg := scenario(t)
	cfg.SplitTime = nil

	trainW := Enumerate(records, cfg, Train)
	if len(trainW) != 70 { // ends 365..399 per basin
		t.Errorf("train windows = %d, want 70", len(trainW))
	}
	if testW := Enumerate(records, cfg, Test); len(testW) != 0 {
		t.Errorf("test windows = %d, want 0", len(testW))
	}
}

func TestAllTargetsMissingExcluded(t *testing.T) {
	records, cfg := scenario(t)
	records["b1"].Targets[370][0] = math.NaN()

	trainW := Enumerate(records, cfg, Train)
	if len(trainW) != 29 {
		t.Errorf("train windows = %d, want 29", len(trainW))
	}
	for _, w := range trainW {
		if w.Basin == "b1" && w.EndIndex == 370 {
			t.Error("window with all targets missing was emitted")
		}
	}
}

func TestPredictKeepsMissingTargets(t *testing.T) {
	records, cfg := scenario(t)
	records["b1"].Targets[385][0] = math.NaN()

	if testW := Enumerate(records, cfg, Test); len(testW) != 39 {
		t.Errorf("test windows = %d, want 39", len(testW))
	}
	if predW := Enumerate(records, cfg, Predict); len(predW) != 40 {
		t.Errorf("predict windows = %d, want 40", len(predW))
	}
}

func TestFullyMissingColumnExcluded(t *testing.T) {
	records, cfg := scenario(t)
	// Column 1 of b1 is missing from day 0 through day 370: windows ending
	// at 365..370 see no value at all for it, windows ending later see one.
	for i := 0; i <= 370; i++ {
		records["b1"].Dynamic["met"][i][1] = math.NaN()
	}

	trainW := Enumerate(records, cfg, Train)
	b1 := 0
	for _, w := range trainW {
		if w.Basin != "b1" {
			continue
		}
		b1++
		if w.EndIndex <= 370 {
			t.Errorf("window ending %d kept despite fully missing column", w.EndIndex)
		}
	}
	if b1 != 9 {
		t.Errorf("b1 train windows = %d, want 9", b1)
	}
}
