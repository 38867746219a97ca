package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/hydroml/riverseq/internal/batch"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/window"
)

// Checkpoint is the trained-model boundary: everything an external loader
// needs to rebuild an identical dataset and batch stream for resumed
// training or evaluation — the resolved configuration, the fitted
// normalization statistics, and the window index per subset — plus the
// model parameters when the model exposes them.
type Checkpoint struct {
	Epoch      int
	Losses     []float64
	Config     map[string]any
	Stats      *batch.Stats
	Windows    map[window.Subset][]window.Window
	ModelState []byte
}

var epochDirRe = regexp.MustCompile(`^epoch(\d+)$`)

func epochDir(runDir string, epoch int) string {
	return filepath.Join(runDir, fmt.Sprintf("epoch%04d", epoch))
}

// Save writes the checkpoint under <runDir>/epochNNNN/, creating the run
// directory if needed. Files are written to a temp directory first and
// renamed into place, so a concurrent or aborted writer never exposes a
// partial checkpoint.
func Save(runDir string, ck *Checkpoint) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	tmp, err := os.MkdirTemp(runDir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("checkpoint temp: %w", err)
	}
	defer os.RemoveAll(tmp)

	cfgData, err := yaml.Marshal(ck.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config.yaml"), cfgData, 0o644); err != nil {
		return err
	}

	meta := map[string]any{"epoch": ck.Epoch, "losses": ck.Losses}
	metaData, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "state.yaml"), metaData, 0o644); err != nil {
		return err
	}

	if err := writeGob(filepath.Join(tmp, "stats.gob"), ck.Stats); err != nil {
		return err
	}
	if err := writeGob(filepath.Join(tmp, "windows.gob"), ck.Windows); err != nil {
		return err
	}
	if ck.ModelState != nil {
		if err := os.WriteFile(filepath.Join(tmp, "model.bin"), ck.ModelState, 0o644); err != nil {
			return err
		}
	}

	dst := epochDir(runDir, ck.Epoch)
	os.RemoveAll(dst)
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("checkpoint rename: %w", err)
	}
	return nil
}

// Load reads one epoch's checkpoint.
func Load(runDir string, epoch int) (*Checkpoint, error) {
	dir := epochDir(runDir, epoch)
	ck := &Checkpoint{}

	metaData, err := os.ReadFile(filepath.Join(dir, "state.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint state: %w", err)
	}
	var meta struct {
		Epoch  int       `yaml:"epoch"`
		Losses []float64 `yaml:"losses"`
	}
	if err := yaml.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("parse checkpoint state: %w", err)
	}
	ck.Epoch = meta.Epoch
	ck.Losses = meta.Losses

	cfgData, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint config: %w", err)
	}
	if err := yaml.Unmarshal(cfgData, &ck.Config); err != nil {
		return nil, fmt.Errorf("parse checkpoint config: %w", err)
	}

	if err := readGob(filepath.Join(dir, "stats.gob"), &ck.Stats); err != nil {
		return nil, err
	}
	if err := readGob(filepath.Join(dir, "windows.gob"), &ck.Windows); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(filepath.Join(dir, "model.bin")); err == nil {
		ck.ModelState = data
	}
	return ck, nil
}

// LoadLast finds the highest-epoch checkpoint in a run directory.
func LoadLast(runDir string) (*Checkpoint, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}
	best := -1
	for _, e := range entries {
		m := epochDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > best {
			best = n
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("no checkpoints in %s", runDir)
	}
	return Load(runDir, best)
}

// ResolveConfig re-resolves the checkpointed configuration document.
func (ck *Checkpoint) ResolveConfig() (*config.Config, error) {
	return config.Resolve(ck.Config)
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
