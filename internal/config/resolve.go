package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a missing or invalid option. It is always fatal and is
// surfaced before any data I/O happens.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: option %q: %s", e.Option, e.Reason)
}

// Merge overlays src onto dst. Nested mappings merge recursively, everything
// else (scalars, lists) is replaced by the src value. Neither input is
// modified.
func Merge(dst, src map[string]any) map[string]any {
	out := deepCopyMap(dst)
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = Merge(existing, sub)
				continue
			}
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// Resolve merges the base document with the override fragments in listed
// order (later fragments win), applies defaults for absent options, and
// validates the result. It is a pure function: no state survives between
// resolutions.
func Resolve(base map[string]any, overrides ...map[string]any) (*Config, error) {
	merged := deepCopyMap(base)
	for _, o := range overrides {
		merged = Merge(merged, o)
	}
	applyDefaults(merged)

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfg.raw = merged
	return cfg, nil
}

// Load reads a YAML config document and resolves it with no overrides.
func Load(path string) (*Config, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return Resolve(doc)
}

// LoadDocument reads a YAML file into a generic mapping, suitable for use as
// a base document or override fragment.
func LoadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Option: path, Reason: fmt.Sprintf("read: %v", err)}
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Option: path, Reason: fmt.Sprintf("parse: %v", err)}
	}
	return doc, nil
}

// Defaults for options that may be omitted. Every option consumed downstream
// has either an explicit value or an entry here.
func applyDefaults(m map[string]any) {
	def := func(key string, v any) {
		if _, ok := m[key]; !ok {
			m[key] = v
		}
	}
	def("cache_dir", "cache")
	def("batch_size", 256)
	def("shuffle", true)
	def("drop_last", false)
	def("num_workers", 0)
	def("seed", int(0))
	def("sequence_length", 365)
	def("num_epochs", 100)
	def("initial_lr", 1e-3)
	def("decay_rate", 0.99)
	def("transition_begin", 0)
	def("log_interval", 5)
	def("quiet", false)
}

func decode(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, &ConfigError{Option: "merge", Reason: err.Error()}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Option: "merge", Reason: err.Error()}
	}
	return &cfg, nil
}

func validate(c *Config) error {
	if c.DataDir == "" {
		return &ConfigError{Option: "data_dir", Reason: "required"}
	}
	if c.TimeSeriesDB == "" {
		return &ConfigError{Option: "time_series_db", Reason: "required"}
	}
	if c.Model == "" {
		return &ConfigError{Option: "model", Reason: "required"}
	}
	if len(c.Features.Dynamic) == 0 {
		return &ConfigError{Option: "features.dynamic", Reason: "at least one dynamic source group required"}
	}
	if len(c.Features.Target) == 0 {
		return &ConfigError{Option: "features.target", Reason: "at least one target column required"}
	}
	if c.TrainBasinFile == "" {
		return &ConfigError{Option: "train_basin_file", Reason: "required"}
	}
	if len(c.TimeSlice) != 2 {
		return &ConfigError{Option: "time_slice", Reason: "expected [start, end]"}
	}
	if c.SliceEnd().Before(c.SliceStart()) {
		return &ConfigError{Option: "time_slice", Reason: "end precedes start"}
	}
	if c.SequenceLength <= 0 {
		return &ConfigError{Option: "sequence_length", Reason: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &ConfigError{Option: "batch_size", Reason: "must be positive"}
	}
	if c.NumWorkers < 0 {
		return &ConfigError{Option: "num_workers", Reason: "must be >= 0"}
	}
	for col, r := range c.ClipFeatureRange {
		if len(r) != 2 {
			return &ConfigError{Option: "clip_feature_range", Reason: fmt.Sprintf("%s: expected [min, max]", col)}
		}
	}
	for col, bits := range c.BitmaskCols {
		if bits <= 0 || bits > 64 {
			return &ConfigError{Option: "bitmask_cols", Reason: fmt.Sprintf("%s: bit count %d out of range", col, bits)}
		}
	}
	for _, f := range []struct{ opt, path string }{
		{"train_basin_file", c.TrainBasinFile},
		{"test_basin_file", c.TestBasinFile},
		{"attributes_file", c.AttributesFile},
	} {
		if f.path == "" {
			continue
		}
		p := f.path
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.DataDir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return &ConfigError{Option: f.opt, Reason: fmt.Sprintf("file not found: %s", p)}
		}
	}
	return nil
}

// ResolvePath makes a config-relative path absolute against data_dir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
