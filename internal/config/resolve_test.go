package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func baseDoc(t *testing.T, dir string) map[string]any {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "train.txt"), []byte("b1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return map[string]any{
		"data_dir":         dir,
		"time_series_db":   "data.db",
		"model":            "linear",
		"train_basin_file": "train.txt",
		"features": map[string]any{
			"dynamic": map[string]any{
				"met": []any{"precip", "temp"},
			},
			"target": []any{"ssc"},
		},
		"time_slice": []any{"2000-01-01", "2001-12-31"},
	}
}

func TestResolveEmptyOverride(t *testing.T) {
	dir := t.TempDir()
	base := baseDoc(t, dir)

	cfg, err := Resolve(base)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.BatchSize != 256 {
		t.Errorf("BatchSize default = %d, want 256", cfg.BatchSize)
	}
	if !cfg.ShuffleEnabled() {
		t.Error("ShuffleEnabled default = false, want true")
	}
	if cfg.SequenceLength != 365 {
		t.Errorf("SequenceLength default = %d, want 365", cfg.SequenceLength)
	}
	if cfg.SplitTime != nil {
		t.Errorf("SplitTime = %v, want nil", cfg.SplitTime)
	}

	// The merged document is the base plus documented defaults only.
	m := cfg.Map()
	for k, v := range base {
		if !reflect.DeepEqual(m[k], v) {
			t.Errorf("resolved doc changed key %q: got %v, want %v", k, m[k], v)
		}
	}
}

func TestResolveIsPure(t *testing.T) {
	dir := t.TempDir()
	base := baseDoc(t, dir)
	cfg, err := Resolve(base)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	m := cfg.Map()
	m["model"] = "mutated"
	m["features"].(map[string]any)["target"] = []any{"mutated"}
	if cfg.Model != "linear" {
		t.Error("mutating Map() result leaked into config")
	}
	if cfg2, err := Resolve(cfg.Map()); err != nil || cfg2.Features.Target[0] != "ssc" {
		t.Errorf("re-resolve after mutation: cfg2=%+v err=%v", cfg2, err)
	}
}

func TestMergeSemantics(t *testing.T) {
	tests := []struct {
		name string
		dst  map[string]any
		src  map[string]any
		want map[string]any
	}{
		{
			name: "scalar replaced",
			dst:  map[string]any{"a": 1},
			src:  map[string]any{"a": 2},
			want: map[string]any{"a": 2},
		},
		{
			name: "list replaced not extended",
			dst:  map[string]any{"a": []any{1, 2}},
			src:  map[string]any{"a": []any{3}},
			want: map[string]any{"a": []any{3}},
		},
		{
			name: "nested maps merge recursively",
			dst:  map[string]any{"m": map[string]any{"x": 1, "y": 2}},
			src:  map[string]any{"m": map[string]any{"y": 3, "z": 4}},
			want: map[string]any{"m": map[string]any{"x": 1, "y": 3, "z": 4}},
		},
		{
			name: "map replaces scalar",
			dst:  map[string]any{"a": 1},
			src:  map[string]any{"a": map[string]any{"b": 2}},
			want: map[string]any{"a": map[string]any{"b": 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.dst, tt.src)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Merge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeAssociativity(t *testing.T) {
	dir := t.TempDir()
	base := baseDoc(t, dir)
	f1 := map[string]any{"batch_size": 64, "model_args": map[string]any{"hidden": 32}}
	f2 := map[string]any{"model_args": map[string]any{"hidden": 64, "layers": 2}}

	sequential, err := Resolve(base, f1, f2)
	if err != nil {
		t.Fatalf("Resolve sequential: %v", err)
	}
	combined, err := Resolve(base, Merge(f1, f2))
	if err != nil {
		t.Fatalf("Resolve combined: %v", err)
	}
	if !reflect.DeepEqual(sequential.Map(), combined.Map()) {
		t.Errorf("sequential != combined:\n%v\n%v", sequential.Map(), combined.Map())
	}
}

func TestResolveRequiredOptions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing data_dir", func(m map[string]any) { delete(m, "data_dir") }},
		{"missing model", func(m map[string]any) { delete(m, "model") }},
		{"missing dynamic features", func(m map[string]any) {
			m["features"].(map[string]any)["dynamic"] = map[string]any{}
		}},
		{"missing targets", func(m map[string]any) {
			delete(m["features"].(map[string]any), "target")
		}},
		{"bad time slice", func(m map[string]any) { m["time_slice"] = []any{"2000-01-01"} }},
		{"inverted time slice", func(m map[string]any) {
			m["time_slice"] = []any{"2001-01-01", "2000-01-01"}
		}},
		{"missing train basin file", func(m map[string]any) { delete(m, "train_basin_file") }},
		{"empty train basin file", func(m map[string]any) { m["train_basin_file"] = "" }},
		{"nonexistent basin file", func(m map[string]any) { m["train_basin_file"] = "nope.txt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := baseDoc(t, dir)
			tt.mutate(doc)
			_, err := Resolve(doc)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("Resolve err = %v, want ConfigError", err)
			}
		})
	}
}

func TestResolveBasinFileFound(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "basins.txt"), []byte("b1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc := baseDoc(t, dir)
	doc["train_basin_file"] = "basins.txt"
	if _, err := Resolve(doc); err != nil {
		t.Errorf("Resolve with existing basin file: %v", err)
	}
}

func TestApplyFinetune(t *testing.T) {
	dir := t.TempDir()
	base, err := Resolve(baseDoc(t, dir))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ft := &Finetune{
		ConfigUpdate:     map[string]any{"initial_lr": 0.0001},
		AdditionalEpochs: 20,
		ResetLR:          true,
		FreezeComponents: []string{"encoder"},
	}
	cfg, err := ApplyFinetune(base, ft, 80)
	if err != nil {
		t.Fatalf("ApplyFinetune: %v", err)
	}

	if cfg.NumEpochs != 100 {
		t.Errorf("NumEpochs = %d, want 100", cfg.NumEpochs)
	}
	if cfg.TransitionBegin != 80 {
		t.Errorf("TransitionBegin = %d, want 80", cfg.TransitionBegin)
	}
	if cfg.InitialLR != 0.0001 {
		t.Errorf("InitialLR = %v, want 0.0001", cfg.InitialLR)
	}
	if len(cfg.FreezeComponents) != 1 || cfg.FreezeComponents[0] != "encoder" {
		t.Errorf("FreezeComponents = %v", cfg.FreezeComponents)
	}
}

func TestSplitTimeParsing(t *testing.T) {
	dir := t.TempDir()
	doc := baseDoc(t, dir)
	doc["split_time"] = "2001-01-01"
	cfg, err := Resolve(doc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.SplitTime == nil || cfg.SplitTime.Format("2006-01-02") != "2001-01-01" {
		t.Errorf("SplitTime = %v", cfg.SplitTime)
	}
}
