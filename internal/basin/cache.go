package basin

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/hydroml/riverseq/internal/config"
)

// hashRelevant enumerates the options that affect raw-data loading and
// transformation. Anything else (batch size, model hyperparameters, worker
// counts) must not invalidate cached artifacts. SplitTime and TrainBasinFile
// join the key only when categorical columns are declared, because the
// fitted categorical value sets depend on the training split.
type hashRelevant struct {
	DataDir          string                `json:"data_dir"`
	TimeSeriesDB     string                `json:"time_series_db"`
	AttributesFile   string                `json:"attributes_file"`
	Dynamic          map[string][]string   `json:"dynamic"`
	Static           []string              `json:"static"`
	Target           []string              `json:"target"`
	TimeSlice        []string              `json:"time_slice"`
	AddRollingMeans  []int                 `json:"add_rolling_means"`
	CategoricalCols  []string              `json:"categorical_cols"`
	BitmaskCols      map[string]int        `json:"bitmask_cols"`
	ClipFeatureRange map[string][]*float64 `json:"clip_feature_range"`
	LogNormCols      []string              `json:"log_norm_cols"`
	SplitTime        string                `json:"split_time,omitempty"`
	TrainBasinFile   string                `json:"train_basin_file,omitempty"`
}

// Key derives the content hash of a configuration's data-relevant options.
func Key(cfg *config.Config) string {
	h := hashRelevant{
		DataDir:          cfg.DataDir,
		TimeSeriesDB:     cfg.TimeSeriesDB,
		AttributesFile:   cfg.AttributesFile,
		Dynamic:          cfg.Features.Dynamic,
		Static:           cfg.Features.Static,
		Target:           cfg.Features.Target,
		TimeSlice:        []string{cfg.SliceStart().Format(dayLayout), cfg.SliceEnd().Format(dayLayout)},
		AddRollingMeans:  cfg.AddRollingMeans,
		CategoricalCols:  cfg.CategoricalCols,
		BitmaskCols:      cfg.BitmaskCols,
		ClipFeatureRange: cfg.ClipFeatureRange,
		LogNormCols:      cfg.LogNormCols,
	}
	if len(cfg.CategoricalCols) > 0 {
		if cfg.SplitTime != nil {
			h.SplitTime = cfg.SplitTime.Format(dayLayout)
		}
		h.TrainBasinFile = cfg.TrainBasinFile
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(h)
	if err != nil {
		panic(fmt.Sprintf("cache key marshal: %v", err))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Cache stores per-basin record artifacts under <dir>/<key>/<basin>.gob.
// Writes go to a temp file in the same directory and are renamed into place,
// so readers only ever see complete artifacts. A lock file per key keeps
// concurrent trials with the same key down to a single writer.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) artifactPath(key, basinID string) string {
	return filepath.Join(c.dir, key, basinID+".gob")
}

// Get returns a cached record, or false on miss. A corrupt artifact counts
// as a miss.
func (c *Cache) Get(key, basinID string) (*Record, bool) {
	f, err := os.Open(c.artifactPath(key, basinID))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var rec Record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		log.Printf("cache: corrupt artifact %s/%s: %v", key, basinID, err)
		return nil, false
	}
	return &rec, true
}

// Put persists a record artifact atomically.
func (c *Cache) Put(key string, rec *Record) error {
	dir := filepath.Join(c.dir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, rec.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		return fmt.Errorf("cache encode %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache close: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.artifactPath(key, rec.ID)); err != nil {
		return fmt.Errorf("cache rename: %w", err)
	}
	return nil
}

// Lock tries to become the writer for a key. When acquired it returns a
// release func; otherwise another process holds the lock and the caller
// should WaitFor the artifacts instead.
func (c *Cache) Lock(key string) (release func(), acquired bool) {
	dir := filepath.Join(c.dir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return func() {}, true // fall through to building; Put will surface the error
	}
	lockPath := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()
	return func() { os.Remove(lockPath) }, true
}

// WaitFor blocks until artifacts for all listed basins exist, the writer
// releases its lock, or the backoff gives up. It never fails hard: callers
// re-check the cache afterwards and build whatever is still missing.
func (c *Cache) WaitFor(ctx context.Context, key string, basinIDs []string) {
	lockPath := filepath.Join(c.dir, key, ".lock")
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Minute

	check := func() error {
		if _, err := os.Stat(lockPath); os.IsNotExist(err) {
			return nil // writer finished (or died); proceed with re-check
		}
		for _, id := range basinIDs {
			if _, err := os.Stat(c.artifactPath(key, id)); err != nil {
				return fmt.Errorf("artifact %s not ready", id)
			}
		}
		return nil
	}
	if err := backoff.Retry(check, backoff.WithContext(bo, ctx)); err != nil {
		log.Printf("cache: gave up waiting for writer on key %s: %v", key, err)
	}
}
