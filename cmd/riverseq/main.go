package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/hydroml/riverseq/internal/basin"
	"github.com/hydroml/riverseq/internal/batch"
	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/features"
	"github.com/hydroml/riverseq/internal/search"
	"github.com/hydroml/riverseq/internal/train"
	"github.com/hydroml/riverseq/internal/window"
)

var cli struct {
	EnvFile     kong.ConfigFlag `name:"env-file" help:"Load flags from a .env file." optional:""`
	MetricsAddr string          `help:"Expose Prometheus metrics on this address (e.g. :9090)." env:"METRICS_ADDR" optional:""`

	Ingest   IngestCmd   `cmd:"" help:"Load delimited source files into the time series database."`
	Train    TrainCmd    `cmd:"" help:"Train a model from a config file."`
	Continue ContinueCmd `cmd:"" help:"Continue training from a run directory."`
	Finetune FinetuneCmd `cmd:"" help:"Finetune a trained run from a finetune YAML."`
	Search   SearchCmd   `cmd:"" help:"Random hyperparameter search over a declared space."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("riverseq"),
		kong.Description("Water-quality sequence model training pipeline."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cli.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("metrics: listening on %s", cli.MetricsAddr)
			if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	if err := kctx.Run(ctx); err != nil {
		log.Fatalf("riverseq: %v", err)
	}
}

// pipeline bundles everything one training run needs.
type pipeline struct {
	cfg          *config.Config
	spec         *features.Spec
	trainRecords map[string]*basin.Record
	testRecords  map[string]*basin.Record
	trainWindows []window.Window
	testWindows  []window.Window
	stats        *batch.Stats
	trainLoader  *batch.Loader
	testLoader   *batch.Loader
	db           *sql.DB
}

func (p *pipeline) Close() {
	if p.db != nil {
		p.db.Close()
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	spec, err := features.Build(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.ResolvePath(cfg.TimeSeriesDB))
	if err != nil {
		return nil, fmt.Errorf("open time series db: %w", err)
	}
	p := &pipeline{cfg: cfg, spec: spec, db: db}

	reader := basin.NewSQLiteReader(db)
	cache := basin.NewCache(cfg.ResolvePath(cfg.CacheDir))
	store := basin.NewStore(cfg, spec, reader, cache)

	trainIDs, err := basin.ReadBasinList(cfg.ResolvePath(cfg.TrainBasinFile))
	if err != nil {
		p.Close()
		return nil, err
	}
	var testIDs []string
	if cfg.TestBasinFile != "" {
		testIDs, err = basin.ReadBasinList(cfg.ResolvePath(cfg.TestBasinFile))
		if err != nil {
			p.Close()
			return nil, err
		}
	}

	all := append(append([]string(nil), trainIDs...), testIDs...)
	records, err := store.Load(ctx, all)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.trainRecords = selectRecords(records, trainIDs)
	p.testRecords = selectRecords(records, testIDs)
	if len(testIDs) == 0 {
		// Time-based split only: train and test share the basin set.
		p.testRecords = p.trainRecords
	}

	p.trainWindows = window.Enumerate(p.trainRecords, cfg, window.Train)
	p.testWindows = window.Enumerate(p.testRecords, cfg, window.Test)
	p.stats = batch.Fit(p.trainRecords, cfg, spec)

	p.trainLoader = batch.NewLoader(p.trainRecords, p.trainWindows, p.stats, spec, cfg)
	evalCfg := *cfg
	noShuffle := false
	evalCfg.Shuffle = &noShuffle
	p.testLoader = batch.NewLoader(p.testRecords, p.testWindows, p.stats, spec, &evalCfg)

	log.Printf("pipeline: %d train basins, %d test basins, %d train windows, %d test windows",
		len(p.trainRecords), len(p.testRecords), len(p.trainWindows), len(p.testWindows))
	return p, nil
}

func selectRecords(records map[string]*basin.Record, ids []string) map[string]*basin.Record {
	out := make(map[string]*basin.Record, len(ids))
	for _, id := range ids {
		if rec, ok := records[id]; ok {
			out[id] = rec
		}
	}
	return out
}

func (p *pipeline) checkpoint() *train.Checkpoint {
	return &train.Checkpoint{
		Config: p.cfg.Map(),
		Stats:  p.stats,
		Windows: map[window.Subset][]window.Window{
			window.Train: p.trainWindows,
			window.Test:  p.testWindows,
		},
	}
}

// trainAndValidate runs the full chain for one configuration and returns
// the test-subset validation loss.
func trainAndValidate(ctx context.Context, cfg *config.Config, runDir string) (float64, error) {
	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer p.Close()

	model, err := train.NewModel(cfg, p.spec)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return 0, err
	}
	trainer := train.NewTrainer(cfg, model, p.trainLoader, runDir)
	if err := trainer.Run(ctx, p.checkpoint()); err != nil {
		return 0, err
	}
	return trainer.Validate(ctx, p.testLoader)
}

func newRunDir(parent string) string {
	return filepath.Join(parent, time.Now().Format("20060102_1504"))
}

type IngestCmd struct {
	Config string `arg:"" help:"Path to the configuration YAML naming the data locations." type:"existingfile"`
}

func (c *IngestCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite", cfg.ResolvePath(cfg.TimeSeriesDB))
	if err != nil {
		return fmt.Errorf("open time series db: %w", err)
	}
	defer db.Close()

	reader := basin.NewSQLiteReader(db)
	if err := reader.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ing := basin.NewIngester(reader)
	total := 0
	if cfg.TimeSeriesDir != "" {
		n, err := ing.IngestDir(cfg.ResolvePath(cfg.TimeSeriesDir))
		if err != nil {
			return err
		}
		total += n
	}
	if cfg.AttributesFile != "" {
		n, err := ing.IngestAttributesFile(cfg.ResolvePath(cfg.AttributesFile))
		if err != nil {
			return err
		}
		total += n
	}
	log.Printf("ingest: wrote %d values", total)
	return nil
}

type TrainCmd struct {
	Config string `arg:"" help:"Path to the training configuration YAML." type:"existingfile"`
	RunDir string `help:"Run directory (defaults to a timestamped dir next to the config)." optional:""`
}

func (c *TrainCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	runDir := c.RunDir
	if runDir == "" {
		runDir = newRunDir(filepath.Dir(c.Config))
	}
	loss, err := trainAndValidate(ctx, cfg, runDir)
	if err != nil {
		return err
	}
	log.Printf("train: finished, validation loss %.6f, run dir %s", loss, runDir)
	return nil
}

type ContinueCmd struct {
	RunDir string `arg:"" help:"Run directory with checkpoints." type:"existingdir"`
}

func (c *ContinueCmd) Run(ctx context.Context) error {
	ck, err := train.LoadLast(c.RunDir)
	if err != nil {
		return err
	}
	cfg, err := ck.ResolveConfig()
	if err != nil {
		return err
	}
	return resumeTraining(ctx, cfg, ck, c.RunDir)
}

func resumeTraining(ctx context.Context, cfg *config.Config, ck *train.Checkpoint, runDir string) error {
	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	model, err := train.NewModel(cfg, p.spec)
	if err != nil {
		return err
	}
	if ck.ModelState != nil {
		if st, ok := model.(train.Stater); ok {
			if err := st.RestoreState(ck.ModelState); err != nil {
				return fmt.Errorf("restore model state: %w", err)
			}
		}
	}

	trainer := train.NewTrainer(cfg, model, p.trainLoader, runDir)
	trainer.Epoch = ck.Epoch
	trainer.Losses = ck.Losses
	if err := trainer.Run(ctx, p.checkpoint()); err != nil {
		return err
	}
	loss, err := trainer.Validate(ctx, p.testLoader)
	if err != nil {
		return err
	}
	log.Printf("train: finished at epoch %d, validation loss %.6f", trainer.Epoch, loss)
	return nil
}

type FinetuneCmd struct {
	Finetune string `arg:"" help:"Path to the finetune YAML; the run directory is its parent." type:"existingfile"`
}

func (c *FinetuneCmd) Run(ctx context.Context) error {
	ft, err := config.LoadFinetune(c.Finetune)
	if err != nil {
		return err
	}
	runDir := filepath.Dir(c.Finetune)
	ck, err := train.LoadLast(runDir)
	if err != nil {
		return err
	}
	base, err := ck.ResolveConfig()
	if err != nil {
		return err
	}
	cfg, err := config.ApplyFinetune(base, ft, ck.Epoch)
	if err != nil {
		return err
	}
	return resumeTraining(ctx, cfg, ck, newRunDir(runDir))
}

type SearchCmd struct {
	Config  string `arg:"" help:"Path to the base configuration YAML." type:"existingfile"`
	Space   string `required:"" help:"Path to the search space YAML."`
	Trials  int    `default:"20" help:"Trial budget."`
	KFolds  int    `default:"0" help:"Evaluate each trial over k basin folds."`
	FoldDir string `optional:"" help:"Directory holding k-fold basin list files."`
	Seed    int64  `default:"0" help:"Search RNG seed."`
}

func (c *SearchCmd) Run(ctx context.Context) error {
	base, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	space, err := search.LoadSpace(c.Space)
	if err != nil {
		return err
	}

	parent := filepath.Dir(c.Config)
	objective := func(ctx context.Context, trial, fold int, cfg *config.Config) (float64, error) {
		runDir := filepath.Join(parent, fmt.Sprintf("trial_%03d", trial))
		if c.KFolds > 1 {
			runDir = filepath.Join(runDir, fmt.Sprintf("fold_%d", fold))
		}
		return trainAndValidate(ctx, cfg, runDir)
	}

	res, err := search.Run(ctx, base, space, c.Trials, objective, search.Options{
		Seed:    c.Seed,
		KFolds:  c.KFolds,
		FoldDir: c.FoldDir,
	})
	if err != nil {
		return err
	}
	if res.Best == nil {
		return fmt.Errorf("search: all %d trials failed", len(res.Trials))
	}
	log.Printf("search: best trial %d, loss %.6f, params %v", res.Best.Number, res.Best.Value, res.Best.Params)
	return nil
}
