package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydroml/riverseq/internal/basin"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/features"
	"github.com/hydroml/riverseq/internal/metrics"
	"github.com/hydroml/riverseq/internal/window"
)

// BatchError reports an index/materialization inconsistency: a window that
// can no longer be gathered from the loaded records. Always fatal, never
// retried.
type BatchError struct {
	Basin  string
	Reason string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch: basin %q: %s", e.Basin, e.Reason)
}

// Batch is one materialized chunk of windows. Dynamic tensors are shaped
// (batch, sequence_length, feature_count) per source group; Static is
// (batch, static_width); Targets is (batch, target_count). Values are
// normalized; missing dynamic values are filled with zero post-normalization
// while missing targets stay NaN for the loss mask.
type Batch struct {
	Basins   []string
	EndDates []time.Time
	Dynamic  map[string][][][]float64
	Static   [][]float64
	Targets  [][]float64
}

// Size returns the number of windows in the batch.
func (b *Batch) Size() int { return len(b.Basins) }

// Loader partitions a window index into batches and materializes them on
// demand. Each call to ForEachBatch is one epoch: with shuffle enabled a
// fresh permutation is drawn at the start of the pass, never within it.
type Loader struct {
	records map[string]*basin.Record
	windows []window.Window
	stats   *Stats
	spec    *features.Spec

	seqLen    int
	batchSize int
	shuffle   bool
	dropLast  bool
	workers   int
	rng       *rand.Rand
}

func NewLoader(records map[string]*basin.Record, windows []window.Window, stats *Stats, spec *features.Spec, cfg *config.Config) *Loader {
	return &Loader{
		records:   records,
		windows:   windows,
		stats:     stats,
		spec:      spec,
		seqLen:    cfg.SequenceLength,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.ShuffleEnabled(),
		dropLast:  cfg.DropLast,
		workers:   cfg.NumWorkers,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// NumBatches returns the batch count of one epoch under the drop_last policy.
func (l *Loader) NumBatches() int {
	full := len(l.windows) / l.batchSize
	if !l.dropLast && len(l.windows)%l.batchSize != 0 {
		return full + 1
	}
	return full
}

// ForEachBatch runs one epoch: batches are delivered to fn in order, with
// materialization optionally spread over num_workers goroutines. Worker
// assignment never changes which windows land in which batch, only latency.
func (l *Loader) ForEachBatch(ctx context.Context, fn func(i int, b *Batch) error) error {
	chunks := l.chunks()
	if l.workers <= 1 {
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := l.materialize(chunk)
			if err != nil {
				return err
			}
			if err := fn(i, b); err != nil {
				return err
			}
		}
		return nil
	}

	type slot struct {
		b   *Batch
		err error
	}
	results := make([]chan slot, len(chunks))
	for i := range results {
		results[i] = make(chan slot, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for i := range chunks {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < l.workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				b, err := l.materialize(chunks[i])
				results[i] <- slot{b: b, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	var fnErr error
	for i := range chunks {
		var s slot
		select {
		case s = <-results[i]:
		default:
			select {
			case s = <-results[i]:
			case <-gctx.Done():
				fnErr = gctx.Err()
			}
		}
		if fnErr != nil {
			break
		}
		if s.err != nil {
			fnErr = s.err
			break
		}
		if err := fn(i, s.b); err != nil {
			fnErr = err
			break
		}
	}
	if fnErr != nil {
		// Unblock remaining workers before returning.
		go func() {
			for range jobs {
			}
		}()
	}
	if err := g.Wait(); err != nil && (fnErr == nil || errors.Is(fnErr, context.Canceled)) {
		fnErr = err
	}
	return fnErr
}

// chunks draws the epoch's (possibly permuted) order and partitions it into
// contiguous batch_size chunks.
func (l *Loader) chunks() [][]window.Window {
	order := make([]window.Window, len(l.windows))
	copy(order, l.windows)
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var out [][]window.Window
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		if end-start < l.batchSize && l.dropLast {
			break
		}
		out = append(out, order[start:end])
	}
	return out
}

func (l *Loader) materialize(chunk []window.Window) (*Batch, error) {
	b := &Batch{
		Basins:   make([]string, len(chunk)),
		EndDates: make([]time.Time, len(chunk)),
		Dynamic:  make(map[string][][][]float64, len(l.spec.GroupOrder)),
		Static:   make([][]float64, len(chunk)),
		Targets:  make([][]float64, len(chunk)),
	}
	for _, group := range l.spec.GroupOrder {
		b.Dynamic[group] = make([][][]float64, len(chunk))
	}

	for n, w := range chunk {
		rec, ok := l.records[w.Basin]
		if !ok {
			return nil, &BatchError{Basin: w.Basin, Reason: "window references unloaded basin (stale index)"}
		}
		lo := w.EndIndex - l.seqLen + 1
		if lo < 0 || w.EndIndex >= rec.Days() {
			return nil, &BatchError{Basin: w.Basin, Reason: fmt.Sprintf("lookback [%d,%d] outside record span (stale index)", lo, w.EndIndex)}
		}

		b.Basins[n] = w.Basin
		b.EndDates[n] = w.EndDate

		for _, group := range l.spec.GroupOrder {
			src := rec.Dynamic[group]
			stats := l.stats.Dynamic[group]
			seq := make([][]float64, l.seqLen)
			for i := 0; i < l.seqLen; i++ {
				row := make([]float64, len(stats))
				for j := range stats {
					v := stats[j].Normalize(src[lo+i][j])
					if math.IsNaN(v) {
						v = 0 // missing dynamic values fill with zero post-normalization
					}
					row[j] = v
				}
				seq[i] = row
			}
			b.Dynamic[group][n] = seq
		}

		static := make([]float64, len(rec.Static))
		for j := range rec.Static {
			v := l.stats.Static[j].Normalize(rec.Static[j])
			if math.IsNaN(v) {
				v = 0
			}
			static[j] = v
		}
		b.Static[n] = static

		targets := make([]float64, len(l.spec.Targets))
		for j := range targets {
			targets[j] = l.stats.Target[j].Normalize(rec.Targets[w.EndIndex][j])
		}
		b.Targets[n] = targets
	}
	metrics.BatchesProduced.Inc()
	return b, nil
}
