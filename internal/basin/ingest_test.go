package basin

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestIngestSeriesFile(t *testing.T) {
	r := openTestDB(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "b1_met.csv")
	content := "date,precip,temp\n" +
		"2020-01-01,1.5,10\n" +
		"2020-01-02,,11\n" +
		"2020-01-03,NA,12\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := NewIngester(r).IngestSeriesFile(path, "b1", "met")
	if err != nil {
		t.Fatalf("IngestSeriesFile: %v", err)
	}
	if n != 4 {
		t.Errorf("values written = %d, want 4", n)
	}

	got, err := r.DynamicSeries("b1", "met", []string{"precip", "temp"}, day(t, "2020-01-01"), day(t, "2020-01-03"))
	if err != nil {
		t.Fatal(err)
	}
	if got[0][0] != 1.5 || got[0][1] != 10 {
		t.Errorf("day 0 = %v, want [1.5 10]", got[0])
	}
	if !math.IsNaN(got[1][0]) || !math.IsNaN(got[2][0]) {
		t.Errorf("missing cells read back as [%v %v], want NaN", got[1][0], got[2][0])
	}
}

func TestIngestDir(t *testing.T) {
	r := openTestDB(t)
	dir := t.TempDir()
	files := map[string]string{
		"b1_met.csv":    "date,precip\n2020-01-01,1\n",
		"b1_target.csv": "date,ssc\n2020-01-01,33\n",
		"readme.txt":    "not a csv",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := NewIngester(r).IngestDir(dir)
	if err != nil {
		t.Fatalf("IngestDir: %v", err)
	}
	if n != 2 {
		t.Errorf("values written = %d, want 2", n)
	}

	got, err := r.TargetSeries("b1", []string{"ssc"}, day(t, "2020-01-01"), day(t, "2020-01-01"))
	if err != nil {
		t.Fatal(err)
	}
	if got[0][0] != 33 {
		t.Errorf("target = %v, want 33", got[0][0])
	}
}

func TestIngestAttributesFile(t *testing.T) {
	r := openTestDB(t)
	path := filepath.Join(t.TempDir(), "attributes.csv")
	content := "basin_id,area,slope\nb1,10,0.5\nb2,20,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := NewIngester(r).IngestAttributesFile(path)
	if err != nil {
		t.Fatalf("IngestAttributesFile: %v", err)
	}
	if n != 3 {
		t.Errorf("values written = %d, want 3", n)
	}
	attrs, err := r.Attributes("b2")
	if err != nil {
		t.Fatal(err)
	}
	if attrs["area"] != 20 {
		t.Errorf("b2 area = %v, want 20", attrs["area"])
	}
	if _, ok := attrs["slope"]; ok {
		t.Error("missing attribute cell was written")
	}
}

func TestIngestRejectsBadHeader(t *testing.T) {
	r := openTestDB(t)
	path := filepath.Join(t.TempDir(), "b1_met.csv")
	if err := os.WriteFile(path, []byte("day,precip\n2020-01-01,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewIngester(r).IngestSeriesFile(path, "b1", "met"); err == nil {
		t.Error("bad header accepted")
	}
}
