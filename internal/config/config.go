package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Date is a calendar day at UTC midnight, parsed from "YYYY-MM-DD" in YAML.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	d.Time = t.UTC()
	return nil
}

func (d Date) MarshalYAML() (interface{}, error) {
	return d.Format(dateLayout), nil
}

// Features selects input and output columns. Dynamic columns are grouped by
// source (e.g. "met", "optical") and keep their declared order.
type Features struct {
	Dynamic map[string][]string `yaml:"dynamic"`
	Static  []string            `yaml:"static"`
	Target  []string            `yaml:"target"`
}

// Config is the resolved, immutable run configuration. Every field consumed
// downstream either comes from the merged documents or from a documented
// default applied by Resolve.
type Config struct {
	DataDir        string `yaml:"data_dir"`
	TimeSeriesDB   string `yaml:"time_series_db"`
	TimeSeriesDir  string `yaml:"time_series_dir"` // delimited source files for ingest
	AttributesFile string `yaml:"attributes_file"`
	CacheDir       string `yaml:"cache_dir"`

	TrainBasinFile string `yaml:"train_basin_file"`
	TestBasinFile  string `yaml:"test_basin_file"`

	Features Features `yaml:"features"`

	TimeSlice []Date `yaml:"time_slice"` // [start, end] inclusive
	SplitTime *Date  `yaml:"split_time"` // train < split <= test; nil means all train

	AddRollingMeans  []int                 `yaml:"add_rolling_means"`
	LogNormCols      []string              `yaml:"log_norm_cols"`
	RangeNormCols    []string              `yaml:"range_norm_cols"`
	CategoricalCols  []string              `yaml:"categorical_cols"`
	BitmaskCols      map[string]int        `yaml:"bitmask_cols"` // column -> declared bit count
	ClipFeatureRange map[string][]*float64 `yaml:"clip_feature_range"`

	SequenceLength int   `yaml:"sequence_length"`
	BatchSize      int   `yaml:"batch_size"`
	Shuffle        *bool `yaml:"shuffle"`
	DropLast       bool  `yaml:"drop_last"`
	NumWorkers     int   `yaml:"num_workers"`
	Seed           int64 `yaml:"seed"`

	Model     string         `yaml:"model"`
	ModelArgs map[string]any `yaml:"model_args"`

	NumEpochs       int            `yaml:"num_epochs"`
	InitialLR       float64        `yaml:"initial_lr"`
	DecayRate       float64        `yaml:"decay_rate"`
	TransitionBegin int            `yaml:"transition_begin"`
	StepKwargs      map[string]any `yaml:"step_kwargs"`
	LogInterval     int            `yaml:"log_interval"`
	Quiet           bool           `yaml:"quiet"`

	FreezeComponents []string       `yaml:"freeze_components"`
	ModelUpdate      map[string]any `yaml:"model_update"`

	raw map[string]any
}

// ShuffleEnabled reports the shuffle setting with its default (true).
func (c *Config) ShuffleEnabled() bool {
	if c.Shuffle == nil {
		return true
	}
	return *c.Shuffle
}

// SliceStart and SliceEnd return the inclusive time_slice bounds.
func (c *Config) SliceStart() time.Time { return c.TimeSlice[0].Time }
func (c *Config) SliceEnd() time.Time   { return c.TimeSlice[1].Time }

// Map returns a deep copy of the merged document the config was resolved
// from. Mutating the copy does not affect the config.
func (c *Config) Map() map[string]any {
	return deepCopyMap(c.raw)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
