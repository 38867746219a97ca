// Package search runs black-box hyperparameter optimization: bounded random
// suggestions over a declared space, one full pipeline run per trial, and a
// monotonically improving best-trial record. Trial failures are contained;
// the search always runs to its budget.
package search

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/metrics"
)

// Param declares one searchable parameter.
type Param struct {
	Kind   string     `yaml:"kind"` // "int" or "float"
	Bounds [2]float64 `yaml:"bounds"`
}

// Space maps final parameter key names to their declarations. Names match
// configuration keys by final segment, ignoring nesting, so "hidden_size"
// reaches model_args.hidden_size.
type Space map[string]Param

// LoadSpace reads a search space document.
func LoadSpace(path string) (Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read search space: %w", err)
	}
	var sp Space
	if err := yaml.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("parse search space: %w", err)
	}
	for name, p := range sp {
		if p.Kind != "int" && p.Kind != "float" {
			return nil, fmt.Errorf("search space %s: kind %q not int or float", name, p.Kind)
		}
		if p.Bounds[1] < p.Bounds[0] {
			return nil, fmt.Errorf("search space %s: bounds inverted", name)
		}
	}
	return sp, nil
}

// TrialError wraps a failure inside one trial. The search records it and
// moves on.
type TrialError struct {
	Trial int
	Err   error
}

func (e *TrialError) Error() string {
	return fmt.Sprintf("trial %d: %v", e.Trial, e.Err)
}

func (e *TrialError) Unwrap() error { return e.Err }

// Objective runs the full pipeline plus training for one resolved
// configuration and returns the validation metric (lower is better). The
// trial number and fold index identify the run, so callers can lay out
// per-trial artifacts without tracking call counts; fold is 0 when no
// cross-validation is active.
type Objective func(ctx context.Context, trial, fold int, cfg *config.Config) (float64, error)

// Trial records one evaluated point.
type Trial struct {
	Number int
	Params map[string]any
	Value  float64
	Err    error
}

// Result is the completed search: all trials plus the best successful one
// (ties broken by earliest trial). Best is nil when every trial failed.
type Result struct {
	Best   *Trial
	Trials []Trial
}

// Options tune the search loop.
type Options struct {
	Seed int64
	// KFolds > 1 evaluates each candidate over k basin folds, averaging the
	// metric. Fold basin lists live under FoldDir as train_{i}_{k}.txt and
	// test_{i}_{k}.txt.
	KFolds  int
	FoldDir string
}

// Run evaluates trialBudget random points from the space. A canceled context
// aborts the trial in flight and ends the search; cache artifacts stay
// intact because writes are atomic.
func Run(ctx context.Context, base *config.Config, space Space, trialBudget int, objective Objective, opts Options) (*Result, error) {
	if trialBudget <= 0 {
		return nil, fmt.Errorf("search: trial budget must be positive")
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	res := &Result{}

	for n := 0; n < trialBudget; n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		params := suggest(space, rng)
		cfg, err := substitute(base, params)
		trial := Trial{Number: n, Params: params}
		if err == nil {
			trial.Value, err = runTrial(ctx, n, cfg, objective, opts)
		}

		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			trial.Err = &TrialError{Trial: n, Err: err}
			log.Printf("search: trial %d failed with %v (params %v)", n, err, params)
			metrics.TrialsCompleted.WithLabelValues("failed").Inc()
			res.Trials = append(res.Trials, trial)
			continue
		}

		log.Printf("search: trial %d scored %.6f (params %v)", n, trial.Value, params)
		metrics.TrialsCompleted.WithLabelValues("ok").Inc()
		res.Trials = append(res.Trials, trial)
		if res.Best == nil || trial.Value < res.Best.Value {
			best := trial
			res.Best = &best
		}
	}
	return res, nil
}

func runTrial(ctx context.Context, n int, cfg *config.Config, objective Objective, opts Options) (float64, error) {
	if opts.KFolds <= 1 {
		return objective(ctx, n, 0, cfg)
	}

	total := 0.0
	for i := 0; i < opts.KFolds; i++ {
		foldCfg, err := config.Resolve(cfg.Map(), map[string]any{
			"train_basin_file": fmt.Sprintf("%s/train_%d_%d.txt", opts.FoldDir, i, opts.KFolds),
			"test_basin_file":  fmt.Sprintf("%s/test_%d_%d.txt", opts.FoldDir, i, opts.KFolds),
		})
		if err != nil {
			return 0, fmt.Errorf("fold %d: %w", i, err)
		}
		v, err := objective(ctx, n, i, foldCfg)
		if err != nil {
			return 0, fmt.Errorf("fold %d: %w", i, err)
		}
		total += v
	}
	return total / float64(opts.KFolds), nil
}

// suggest draws one bounded point per declared parameter, in sorted name
// order so a fixed seed reproduces the same trial sequence.
func suggest(space Space, rng *rand.Rand) map[string]any {
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(space))
	for _, name := range names {
		p := space[name]
		lo, hi := p.Bounds[0], p.Bounds[1]
		if p.Kind == "int" {
			span := int64(hi) - int64(lo) + 1
			out[name] = int(int64(lo) + rng.Int63n(span))
		} else {
			out[name] = lo + rng.Float64()*(hi-lo)
		}
	}
	return out
}

// substitute re-resolves the base configuration with each parameter written
// over every config key whose final name matches; unmatched parameters are
// set at the top level.
func substitute(base *config.Config, params map[string]any) (*config.Config, error) {
	doc := base.Map()
	for name, value := range params {
		if !replaceKey(doc, name, value) {
			doc[name] = value
		}
	}
	return config.Resolve(doc)
}

func replaceKey(m map[string]any, name string, value any) bool {
	found := false
	for k, v := range m {
		if k == name {
			m[k] = value
			found = true
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if replaceKey(sub, name, value) {
				found = true
			}
		}
	}
	return found
}
