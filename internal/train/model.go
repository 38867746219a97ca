// Package train drives the external trainable model over the batch stream:
// epoch loop, learning-rate decay, component freezing, and checkpointing of
// everything an external loader needs to rebuild an identical dataset.
package train

import (
	"fmt"
	"math"

	"github.com/hydroml/riverseq/internal/batch"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/features"
)

// Model is the opaque trainable function. The pipeline only needs a step
// that consumes a batch at a learning rate and an evaluation pass; the
// architecture behind it is not this package's business.
type Model interface {
	Step(b *batch.Batch, lr float64) (loss float64, err error)
	Evaluate(b *batch.Batch) (loss float64, err error)
}

// Freezer is implemented by models that can freeze named sub-components
// during finetuning. Names are matched by the model itself.
type Freezer interface {
	FreezeComponents(names []string)
}

// Stater is implemented by models whose parameters can be checkpointed.
type Stater interface {
	StateBytes() ([]byte, error)
	RestoreState(data []byte) error
}

// Factory builds a model from its resolved configuration and the feature
// catalog (for input/output widths).
type Factory func(cfg *config.Config, spec *features.Spec) (Model, error)

var registry = map[string]Factory{}

// Register adds a model factory under a name usable as the config's "model"
// option.
func Register(name string, f Factory) {
	registry[name] = f
}

// NewModel builds the model the configuration names.
func NewModel(cfg *config.Config, spec *features.Spec) (Model, error) {
	f, ok := registry[cfg.Model]
	if !ok {
		return nil, &config.ConfigError{Option: "model", Reason: fmt.Sprintf("unknown model %q", cfg.Model)}
	}
	return f(cfg, spec)
}

func isBadLoss(loss float64) bool {
	return math.IsNaN(loss) || math.IsInf(loss, 0)
}
