package train

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"

	"github.com/hydroml/riverseq/internal/batch"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/features"
)

func init() {
	Register("linear", func(cfg *config.Config, spec *features.Spec) (Model, error) {
		return NewLinear(spec), nil
	})
}

// Linear is a last-day linear readout: the final lookback step of every
// dynamic group concatenated with the static vector, regressed onto the
// targets by SGD on masked MSE. It exists as the default collaborator so
// the pipeline runs end to end without an external architecture.
type Linear struct {
	groups  []string
	weights [][]float64 // [target][input+1], bias last
	frozen  bool
}

func NewLinear(spec *features.Spec) *Linear {
	groups := append([]string(nil), spec.GroupOrder...)
	sort.Strings(groups)
	return &Linear{groups: groups}
}

func (m *Linear) inputs(b *batch.Batch, n int) []float64 {
	var x []float64
	for _, g := range m.groups {
		seq := b.Dynamic[g][n]
		x = append(x, seq[len(seq)-1]...)
	}
	x = append(x, b.Static[n]...)
	return x
}

func (m *Linear) ensureInit(inputs, targets int) {
	if m.weights != nil {
		return
	}
	m.weights = make([][]float64, targets)
	for t := range m.weights {
		m.weights[t] = make([]float64, inputs+1)
	}
}

func (m *Linear) predict(x []float64, t int) float64 {
	w := m.weights[t]
	y := w[len(w)-1]
	for i, v := range x {
		y += w[i] * v
	}
	return y
}

// Step runs one SGD update on the batch and returns the masked MSE before
// the update. Missing targets (NaN) contribute neither loss nor gradient.
func (m *Linear) Step(b *batch.Batch, lr float64) (float64, error) {
	loss, count := 0.0, 0
	for n := 0; n < b.Size(); n++ {
		x := m.inputs(b, n)
		m.ensureInit(len(x), len(b.Targets[n]))
		for t, y := range b.Targets[n] {
			if math.IsNaN(y) {
				continue
			}
			diff := m.predict(x, t) - y
			loss += diff * diff
			count++
			if m.frozen {
				continue
			}
			g := 2 * diff * lr / float64(b.Size())
			w := m.weights[t]
			for i, v := range x {
				w[i] -= g * v
			}
			w[len(w)-1] -= g
		}
	}
	if count == 0 {
		return 0, nil
	}
	return loss / float64(count), nil
}

func (m *Linear) Evaluate(b *batch.Batch) (float64, error) {
	loss, count := 0.0, 0
	for n := 0; n < b.Size(); n++ {
		x := m.inputs(b, n)
		m.ensureInit(len(x), len(b.Targets[n]))
		for t, y := range b.Targets[n] {
			if math.IsNaN(y) {
				continue
			}
			diff := m.predict(x, t) - y
			loss += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return loss / float64(count), nil
}

// FreezeComponents freezes everything when any component name is given;
// the readout has a single component, "readout".
func (m *Linear) FreezeComponents(names []string) {
	m.frozen = len(names) > 0
}

func (m *Linear) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.weights); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Linear) RestoreState(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(&m.weights)
}
