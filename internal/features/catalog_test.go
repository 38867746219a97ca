package features

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/hydroml/riverseq/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Features: config.Features{
			Dynamic: map[string][]string{
				"met": {"precip", "temp", "landuse"},
			},
			Static: []string{"area", "soil"},
			Target: []string{"ssc"},
		},
		AddRollingMeans: []int{7, 30},
		CategoricalCols: []string{"landuse"},
		BitmaskCols:     map[string]int{"soil": 4},
		LogNormCols:     []string{"precip", "ssc"},
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"duplicate dynamic column", func(c *config.Config) {
			c.Features.Dynamic["met"] = []string{"precip", "precip"}
		}},
		{"categorical not declared", func(c *config.Config) {
			c.CategoricalCols = []string{"elevation"}
		}},
		{"bitmask not declared", func(c *config.Config) {
			c.BitmaskCols = map[string]int{"elevation": 3}
		}},
		{"categorical and bitmask overlap", func(c *config.Config) {
			c.BitmaskCols = map[string]int{"landuse": 3}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := Build(cfg)
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Errorf("Build err = %v, want SchemaError", err)
			}
		})
	}
}

func TestFitCategorical(t *testing.T) {
	spec, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	spec.FitCategorical("landuse", []float64{3, 1, math.NaN(), 3, 2, 1})
	want := []float64{1, 2, 3}
	if !reflect.DeepEqual(spec.Categorical["landuse"], want) {
		t.Errorf("fitted values = %v, want %v", spec.Categorical["landuse"], want)
	}
	if spec.Cardinality("landuse") != 3 {
		t.Errorf("Cardinality = %d, want 3", spec.Cardinality("landuse"))
	}
}

func TestEncodedLayout(t *testing.T) {
	spec, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	spec.FitCategorical("landuse", []float64{1, 2, 3})

	// precip and temp each expand to value + roll7 + roll30; landuse to 3
	// one-hot channels with no rolling derivatives.
	want := []string{
		"precip", "precip_roll7", "precip_roll30",
		"temp", "temp_roll7", "temp_roll30",
		"landuse=1", "landuse=2", "landuse=3",
	}
	got := spec.ExpandedColumns("met")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandedColumns = %v, want %v", got, want)
	}
	if w := spec.EncodedWidth("met"); w != len(want) {
		t.Errorf("EncodedWidth = %d, want %d", w, len(want))
	}
}

func TestStaticLayoutNoRolling(t *testing.T) {
	spec, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	layout := spec.StaticLayout()
	want := []string{"area", "soil_bit0", "soil_bit1", "soil_bit2", "soil_bit3"}
	got := make([]string, len(layout))
	for i, ec := range layout {
		got[i] = ec.Name
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StaticLayout = %v, want %v", got, want)
	}
	for _, ec := range layout {
		if ec.Kind == KindRolling {
			t.Errorf("static channel %s has rolling kind", ec.Name)
		}
	}
}

func TestChannelKinds(t *testing.T) {
	spec, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	spec.FitCategorical("landuse", []float64{1, 2})

	kinds := make(map[string]ColumnKind)
	for _, ec := range spec.EncodedLayout("met") {
		kinds[ec.Name] = ec.Kind
	}
	if kinds["precip"] != KindValue {
		t.Errorf("precip kind = %v, want KindValue", kinds["precip"])
	}
	if kinds["precip_roll7"] != KindRolling {
		t.Errorf("precip_roll7 kind = %v, want KindRolling", kinds["precip_roll7"])
	}
	if kinds["landuse=1"] != KindOneHot {
		t.Errorf("landuse=1 kind = %v, want KindOneHot", kinds["landuse=1"])
	}
}

func TestDefaultStatic(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Static = nil
	cfg.BitmaskCols = nil
	spec, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	spec.DefaultStatic([]string{"slope", "area", "flat", "empty"}, map[string][]float64{
		"area":  {10, 20, 30},
		"slope": {0.1, 0.2, 0.1},
		"flat":  {5, 5, 5},
		"empty": {math.NaN(), math.NaN()},
	})

	if want := []string{"area", "slope"}; !reflect.DeepEqual(spec.Static, want) {
		t.Errorf("Static = %v, want %v", spec.Static, want)
	}
	if want := []string{"empty", "flat"}; !reflect.DeepEqual(spec.DroppedStatic, want) {
		t.Errorf("DroppedStatic = %v, want %v", spec.DroppedStatic, want)
	}
}

func TestDefaultStaticKeepsExplicitList(t *testing.T) {
	spec, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	spec.DefaultStatic([]string{"other"}, map[string][]float64{"other": {1, 2}})
	if want := []string{"area", "soil"}; !reflect.DeepEqual(spec.Static, want) {
		t.Errorf("Static = %v, want %v", spec.Static, want)
	}
}
