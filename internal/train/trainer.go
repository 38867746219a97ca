package train

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/hydroml/riverseq/internal/batch"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/metrics"
)

// Trainer owns the epoch loop around a model and a batch loader. The
// learning-rate schedule is exponential decay:
//
//	lr(epoch) = initial_lr * decay_rate^((epoch - transition_begin) / num_epochs)
//
// Finetuning resets transition_begin to the stop epoch so the schedule
// restarts from the initial rate.
type Trainer struct {
	cfg    *config.Config
	model  Model
	loader *batch.Loader
	runDir string

	Epoch  int
	Losses []float64
}

func NewTrainer(cfg *config.Config, model Model, loader *batch.Loader, runDir string) *Trainer {
	return &Trainer{cfg: cfg, model: model, loader: loader, runDir: runDir}
}

// LearningRate returns the decayed rate for an epoch.
func (t *Trainer) LearningRate(epoch int) float64 {
	steps := float64(epoch-t.cfg.TransitionBegin) / float64(t.cfg.NumEpochs)
	return t.cfg.InitialLR * math.Pow(t.cfg.DecayRate, steps)
}

// Run trains until num_epochs, checkpointing every log_interval epochs and
// once more at the end. A canceled context stops cleanly after the batch in
// flight; completed checkpoints are never left half-written.
func (t *Trainer) Run(ctx context.Context, ck *Checkpoint) error {
	if len(t.cfg.FreezeComponents) > 0 {
		if f, ok := t.model.(Freezer); ok {
			f.FreezeComponents(t.cfg.FreezeComponents)
		} else {
			log.Printf("train: model %s cannot freeze components, ignoring", t.cfg.Model)
		}
	}

	for t.Epoch < t.cfg.NumEpochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		epoch := t.Epoch + 1
		loss, err := t.trainEpoch(ctx, t.LearningRate(epoch))
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		t.Epoch = epoch
		t.Losses = append(t.Losses, loss)
		metrics.TrainingLoss.Set(loss)
		log.Printf("train: epoch %d, loss %.4f", epoch, loss)

		if epoch%t.cfg.LogInterval == 0 {
			if err := t.save(ck); err != nil {
				return err
			}
		}
	}

	if t.Epoch%t.cfg.LogInterval != 0 {
		if err := t.save(ck); err != nil {
			return err
		}
	}
	return nil
}

const maxConsecutiveStepFailures = 5

func (t *Trainer) trainEpoch(ctx context.Context, lr float64) (float64, error) {
	total, batches := 0.0, 0
	consecutive := 0
	err := t.loader.ForEachBatch(ctx, func(i int, b *batch.Batch) error {
		loss, err := t.model.Step(b, lr)
		if err == nil && isBadLoss(loss) {
			err = fmt.Errorf("non-finite loss %v", loss)
		}
		if err != nil {
			consecutive++
			log.Printf("train: step %d failed: %v", i, err)
			if consecutive >= maxConsecutiveStepFailures {
				return fmt.Errorf("%d consecutive step failures: %w", consecutive, err)
			}
			return nil
		}
		consecutive = 0
		total += loss
		batches++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("no batches produced")
	}
	return total / float64(batches), nil
}

// Validate runs an evaluation pass over a loader and returns the mean loss.
func (t *Trainer) Validate(ctx context.Context, loader *batch.Loader) (float64, error) {
	total, batches := 0.0, 0
	err := loader.ForEachBatch(ctx, func(_ int, b *batch.Batch) error {
		loss, err := t.model.Evaluate(b)
		if err != nil {
			return err
		}
		total += loss
		batches++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("no validation batches")
	}
	return total / float64(batches), nil
}

func (t *Trainer) save(ck *Checkpoint) error {
	ck.Epoch = t.Epoch
	ck.Losses = t.Losses
	if st, ok := t.model.(Stater); ok {
		data, err := st.StateBytes()
		if err != nil {
			return fmt.Errorf("model state: %w", err)
		}
		ck.ModelState = data
	}
	return Save(t.runDir, ck)
}
