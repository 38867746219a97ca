package basin

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Ingester loads delimited source files into the SQLite time-series schema.
// Series files are named <basin>_<source>.csv with a "date" first column and
// one series per remaining column; target series go in <basin>_target.csv.
// The attribute table is one CSV with a "basin_id" first column.
type Ingester struct {
	reader *SQLiteReader
}

func NewIngester(r *SQLiteReader) *Ingester {
	return &Ingester{reader: r}
}

// IngestDir walks a directory of series CSVs and upserts every value. Files
// without the <basin>_<source>.csv naming are skipped with a report. Returns
// the number of values written.
func (ing *Ingester) IngestDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read series dir: %w", err)
	}

	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".csv")
		i := strings.LastIndex(name, "_")
		if i <= 0 || i == len(name)-1 {
			log.Printf("ingest: skipping %s: want <basin>_<source>.csv", e.Name())
			continue
		}
		n, err := ing.IngestSeriesFile(filepath.Join(dir, e.Name()), name[:i], name[i+1:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// IngestSeriesFile upserts one basin's series for one source group. Empty and
// "NA" cells are treated as missing and skipped.
func (ing *Ingester) IngestSeriesFile(path, basinID, source string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open series file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read header %s: %w", path, err)
	}
	if len(header) < 2 || header[0] != "date" {
		return 0, &DataError{Basin: basinID, Reason: fmt.Sprintf("%s: first column must be date", filepath.Base(path))}
	}

	n := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, fmt.Errorf("read %s: %w", path, err)
		}
		day, err := time.Parse(dayLayout, row[0])
		if err != nil {
			return n, &DataError{Basin: basinID, Reason: fmt.Sprintf("%s: bad date %q", filepath.Base(path), row[0])}
		}
		for j := 1; j < len(row) && j < len(header); j++ {
			cell := strings.TrimSpace(row[j])
			if cell == "" || cell == "NA" || cell == "NaN" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return n, &DataError{Basin: basinID, Reason: fmt.Sprintf("%s: column %s: bad value %q", filepath.Base(path), header[j], cell)}
			}
			if err := ing.reader.InsertValue(basinID, source, header[j], day, v); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// IngestAttributesFile upserts the shared static-attribute table.
func (ing *Ingester) IngestAttributesFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open attributes file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read header %s: %w", path, err)
	}
	if len(header) < 2 || header[0] != "basin_id" {
		return 0, fmt.Errorf("%s: first column must be basin_id", filepath.Base(path))
	}

	n := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, fmt.Errorf("read %s: %w", path, err)
		}
		basinID := strings.TrimSpace(row[0])
		for j := 1; j < len(row) && j < len(header); j++ {
			cell := strings.TrimSpace(row[j])
			if cell == "" || cell == "NA" || cell == "NaN" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return n, &DataError{Basin: basinID, Reason: fmt.Sprintf("attribute %s: bad value %q", header[j], cell)}
			}
			if err := ing.reader.InsertAttribute(basinID, header[j], v); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
