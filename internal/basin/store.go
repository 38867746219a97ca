package basin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hydroml/riverseq/internal/config"
	"github.com/hydroml/riverseq/internal/features"
	"github.com/hydroml/riverseq/internal/metrics"
)

// Store assembles BasinRecords from a Reader, applying the catalog's
// transformations, and keeps the results in the artifact cache.
type Store struct {
	cfg    *config.Config
	spec   *features.Spec
	reader Reader
	cache  *Cache

	prepOnce sync.Once
	prepErr  error
}

func NewStore(cfg *config.Config, spec *features.Spec, reader Reader, cache *Cache) *Store {
	return &Store{cfg: cfg, spec: spec, reader: reader, cache: cache}
}

// Load returns records for the requested basins, reading cached artifacts
// where they exist and building the rest from raw data. Basins that fail to
// load are reported and excluded; Load only errors when nothing survives.
func (s *Store) Load(ctx context.Context, basinIDs []string) (map[string]*Record, error) {
	ids := append([]string(nil), basinIDs...)
	sort.Strings(ids)

	key := Key(s.cfg)
	out := make(map[string]*Record, len(ids))
	var missing []string
	for _, id := range ids {
		if rec, ok := s.cache.Get(key, id); ok {
			s.adoptFromCache(rec)
			out[id] = rec
			metrics.CacheHits.Inc()
		} else {
			missing = append(missing, id)
			metrics.CacheMisses.Inc()
		}
	}

	if len(missing) > 0 {
		release, acquired := s.cache.Lock(key)
		if !acquired {
			// Another trial is building this key. Wait for its artifacts,
			// then build whatever is still absent; atomic renames make a
			// duplicate build harmless.
			s.cache.WaitFor(ctx, key, missing)
			var still []string
			for _, id := range missing {
				if rec, ok := s.cache.Get(key, id); ok {
					s.adoptFromCache(rec)
					out[id] = rec
				} else {
					still = append(still, id)
				}
			}
			missing = still
		}
		if len(missing) > 0 {
			if err := s.buildAll(ctx, key, missing, out); err != nil {
				if release != nil {
					release()
				}
				return nil, err
			}
		}
		if release != nil {
			release()
		}
	}

	if len(out) == 0 {
		return nil, &DataError{Basin: "*", Reason: "no usable basins after load"}
	}
	return out, nil
}

// adoptFromCache restores catalog state that was fitted when the artifact
// was built, so a cache hit needs no raw reads at all.
func (s *Store) adoptFromCache(rec *Record) {
	for col, vals := range rec.CategoricalValues {
		if len(s.spec.Categorical[col]) == 0 {
			s.spec.Categorical[col] = vals
		}
	}
	if len(s.spec.Static) == 0 && len(rec.StaticColumns) > 0 {
		s.spec.Static = append([]string(nil), rec.StaticColumns...)
	}
}

func (s *Store) buildAll(ctx context.Context, key string, ids []string, out map[string]*Record) error {
	if err := s.prepare(); err != nil {
		return err
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.NumWorkers))
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := s.buildRecord(id)
			var de *DataError
			if errors.As(err, &de) {
				log.Printf("basin: excluding %s: %v", id, err)
				metrics.BasinsExcluded.Inc()
				return nil
			}
			if err != nil {
				return err
			}
			if err := s.cache.Put(key, rec); err != nil {
				return err
			}
			mu.Lock()
			out[id] = rec
			mu.Unlock()
			metrics.BasinsLoaded.Inc()
			return nil
		})
	}
	return g.Wait()
}

// prepare fits the parts of the catalog that depend on raw data: the default
// static column list and the categorical value sets (training split only).
// Runs once per store.
func (s *Store) prepare() error {
	s.prepOnce.Do(func() { s.prepErr = s.doPrepare() })
	return s.prepErr
}

func (s *Store) doPrepare() error {
	if len(s.spec.Static) == 0 {
		names, err := s.reader.AttributeNames()
		if err != nil {
			return fmt.Errorf("attribute names: %w", err)
		}
		// The constant/all-missing drop decision is made over the training
		// basins only; other basins' values never influence it.
		ids, err := s.trainBasins()
		if err != nil {
			return err
		}
		values := make(map[string][]float64, len(names))
		for _, id := range ids {
			attrs, err := s.reader.Attributes(id)
			if err != nil {
				return fmt.Errorf("attributes %s: %w", id, err)
			}
			for _, n := range names {
				v, ok := attrs[n]
				if !ok {
					v = math.NaN()
				}
				values[n] = append(values[n], v)
			}
		}
		s.spec.DefaultStatic(names, values)
	}

	for col, fitted := range s.spec.Categorical {
		if len(fitted) > 0 {
			continue
		}
		vals, err := s.trainSplitValues(col)
		if err != nil {
			return err
		}
		s.spec.FitCategorical(col, vals)
		if s.spec.Cardinality(col) == 0 {
			return &features.SchemaError{Column: col, Reason: "no categorical values observed in training split"}
		}
	}
	return nil
}

// trainSplitValues gathers a categorical column's raw values over the
// training basins and training date range.
func (s *Store) trainSplitValues(col string) ([]float64, error) {
	ids, err := s.trainBasins()
	if err != nil {
		return nil, err
	}
	start := s.cfg.SliceStart()
	end := s.cfg.SliceEnd()
	if s.cfg.SplitTime != nil && s.cfg.SplitTime.Time.After(start) {
		end = s.cfg.SplitTime.AddDate(0, 0, -1)
	}

	group := s.dynamicGroupOf(col)
	var vals []float64
	for _, id := range ids {
		if group != "" {
			m, err := s.reader.DynamicSeries(id, group, []string{col}, start, end)
			if err != nil {
				return nil, fmt.Errorf("categorical fit %s/%s: %w", id, col, err)
			}
			for _, row := range m {
				vals = append(vals, row[0])
			}
			continue
		}
		attrs, err := s.reader.Attributes(id)
		if err != nil {
			return nil, fmt.Errorf("categorical fit %s/%s: %w", id, col, err)
		}
		if v, ok := attrs[col]; ok {
			vals = append(vals, v)
		}
	}
	return vals, nil
}

func (s *Store) trainBasins() ([]string, error) {
	if s.cfg.TrainBasinFile == "" {
		return nil, &config.ConfigError{Option: "train_basin_file", Reason: "required to fit training-split encodings"}
	}
	return ReadBasinList(s.cfg.ResolvePath(s.cfg.TrainBasinFile))
}

func (s *Store) dynamicGroupOf(col string) string {
	for _, group := range s.spec.GroupOrder {
		for _, c := range s.spec.Dynamic[group] {
			if c == col {
				return group
			}
		}
	}
	return ""
}

func (s *Store) buildRecord(id string) (*Record, error) {
	start, end := s.cfg.SliceStart(), s.cfg.SliceEnd()
	rec := &Record{
		ID:                id,
		Start:             start,
		Dynamic:           make(map[string][][]float64, len(s.spec.GroupOrder)),
		Columns:           make(map[string][]string, len(s.spec.GroupOrder)),
		CategoricalValues: make(map[string][]float64, len(s.spec.Categorical)),
		StaticColumns:     append([]string(nil), s.spec.Static...),
	}
	for col, vals := range s.spec.Categorical {
		rec.CategoricalValues[col] = vals
	}

	for _, group := range s.spec.GroupOrder {
		cols := s.spec.Dynamic[group]
		raw, err := s.reader.DynamicSeries(id, group, cols, start, end)
		if err != nil {
			return nil, &DataError{Basin: id, Reason: fmt.Sprintf("read group %s: %v", group, err)}
		}
		for j, col := range cols {
			clipColumn(raw, j, s.cfg.ClipFeatureRange[col])
			if columnAllMissing(raw, j) {
				return nil, &DataError{Basin: id, Reason: fmt.Sprintf("column %s/%s has no data in slice", group, col)}
			}
		}
		rec.Dynamic[group] = s.encodeGroup(group, cols, raw)
		rec.Columns[group] = s.spec.ExpandedColumns(group)
	}

	targets, err := s.reader.TargetSeries(id, s.spec.Targets, start, end)
	if err != nil {
		return nil, &DataError{Basin: id, Reason: fmt.Sprintf("read targets: %v", err)}
	}
	for j, col := range s.spec.Targets {
		clipColumn(targets, j, s.cfg.ClipFeatureRange[col])
	}
	if !anyValue(targets) {
		return nil, &DataError{Basin: id, Reason: "zero valid days in time slice"}
	}
	rec.Targets = targets

	attrs, err := s.reader.Attributes(id)
	if err != nil {
		return nil, &DataError{Basin: id, Reason: fmt.Sprintf("read attributes: %v", err)}
	}
	rec.Static = s.encodeStatic(attrs)

	return rec, nil
}

// encodeGroup expands a raw column matrix into the encoded layout:
// categorical one-hot channels, bitmask bit channels, or the plain value
// followed by its rolling-mean derivatives.
func (s *Store) encodeGroup(group string, cols []string, raw [][]float64) [][]float64 {
	days := len(raw)
	width := s.spec.EncodedWidth(group)
	out := make([][]float64, days)
	for i := range out {
		out[i] = make([]float64, width)
	}

	offset := 0
	for j, col := range cols {
		if vals, ok := s.spec.Categorical[col]; ok {
			for i := 0; i < days; i++ {
				writeOneHot(out[i][offset:offset+len(vals)], raw[i][j], vals)
			}
			offset += len(vals)
			continue
		}
		if bits, ok := s.spec.BitmaskBits[col]; ok {
			for i := 0; i < days; i++ {
				writeBitmask(out[i][offset:offset+bits], raw[i][j])
			}
			offset += bits
			continue
		}
		for i := 0; i < days; i++ {
			out[i][offset] = raw[i][j]
		}
		offset++
		for _, w := range s.spec.RollingWindows {
			writeRollingMean(out, offset, raw, j, w)
			offset++
		}
	}
	return out
}

func (s *Store) encodeStatic(attrs map[string]float64) []float64 {
	out := make([]float64, 0, len(s.spec.Static))
	for _, col := range s.spec.Static {
		v, ok := attrs[col]
		if !ok {
			v = math.NaN()
		}
		if vals, catOK := s.spec.Categorical[col]; catOK {
			channels := make([]float64, len(vals))
			writeOneHot(channels, v, vals)
			out = append(out, channels...)
			continue
		}
		if bits, bitOK := s.spec.BitmaskBits[col]; bitOK {
			channels := make([]float64, bits)
			writeBitmask(channels, v)
			out = append(out, channels...)
			continue
		}
		out = append(out, v)
	}
	return out
}

// writeOneHot encodes v against the fitted value set. Missing input yields
// missing channels; an unseen category yields all-zero channels.
func writeOneHot(dst []float64, v float64, vals []float64) {
	if math.IsNaN(v) {
		for i := range dst {
			dst[i] = math.NaN()
		}
		return
	}
	for i, c := range vals {
		if v == c {
			dst[i] = 1
		} else {
			dst[i] = 0
		}
	}
}

// writeBitmask expands an integer flag value into one channel per bit.
// Missing or undecodable values (negative, fractional) yield missing
// channels.
func writeBitmask(dst []float64, v float64) {
	if math.IsNaN(v) || v < 0 || v != math.Trunc(v) {
		for i := range dst {
			dst[i] = math.NaN()
		}
		return
	}
	bits := uint64(v)
	for i := range dst {
		dst[i] = float64((bits >> uint(i)) & 1)
	}
}

// writeRollingMean fills the trailing w-day mean of raw column j into
// encoded column dst. The first w-1 entries stay missing, as does any day
// whose trailing range contains a missing value.
func writeRollingMean(out [][]float64, dst int, raw [][]float64, j, w int) {
	for i := range out {
		if i < w-1 {
			out[i][dst] = math.NaN()
			continue
		}
		sum := 0.0
		ok := true
		for k := i - w + 1; k <= i; k++ {
			v := raw[k][j]
			if math.IsNaN(v) {
				ok = false
				break
			}
			sum += v
		}
		if ok {
			out[i][dst] = sum / float64(w)
		} else {
			out[i][dst] = math.NaN()
		}
	}
}

// clipColumn applies clip_feature_range to column j in place. Both bounds
// finite clamps at both ends; a lone lower bound sets values below it to
// missing (the pre-log-transform guard); a lone upper bound clamps.
func clipColumn(m [][]float64, j int, bounds []*float64) {
	if len(bounds) != 2 || (bounds[0] == nil && bounds[1] == nil) {
		return
	}
	lo, hi := bounds[0], bounds[1]
	for i := range m {
		v := m[i][j]
		if math.IsNaN(v) {
			continue
		}
		switch {
		case lo != nil && hi != nil:
			m[i][j] = math.Min(math.Max(v, *lo), *hi)
		case lo != nil:
			if v < *lo {
				m[i][j] = math.NaN()
			}
		case hi != nil:
			if v > *hi {
				m[i][j] = *hi
			}
		}
	}
}

func columnAllMissing(m [][]float64, j int) bool {
	for i := range m {
		if !math.IsNaN(m[i][j]) {
			return false
		}
	}
	return true
}

func anyValue(m [][]float64) bool {
	for i := range m {
		for j := range m[i] {
			if !math.IsNaN(m[i][j]) {
				return true
			}
		}
	}
	return false
}
