package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tyberius-labs/bamquant/worker"
)

func resultWith(region string, correct, reverse uint64, stat string) *worker.Result {
	r := &worker.Result{
		RegionCounts: map[string]*worker.RegionCount{
			region: {Correct: correct, Reverse: reverse},
		},
		SingleCell: map[worker.SCKey]uint64{},
		Barcodes:   map[string]bool{},
		Stats:      map[string]uint64{},
	}
	for _, s := range worker.AllStats {
		r.Stats[s] = 0
	}
	r.Stats[worker.StatNotInRegion] = 0
	if stat != "" {
		r.Stats[stat]++
	}
	return r
}

// TestMergeIsCommutative exercises property 6 (spec §5): merging two
// chunk results in either order produces identical accumulated tallies.
func TestMergeIsCommutative(t *testing.T) {
	r1 := resultWith("geneA", 3, 1, worker.StatCorrect)
	r2 := resultWith("geneA", 2, 0, worker.StatDuplicate)

	forward := NewAccumulator()
	forward.Merge(r1)
	forward.Merge(r2)

	backward := NewAccumulator()
	backward.Merge(r2)
	backward.Merge(r1)

	fc, bc := forward.RegionCounts()["geneA"], backward.RegionCounts()["geneA"]
	if fc.Correct != bc.Correct || fc.Reverse != bc.Reverse {
		t.Fatalf("merge order changed RegionCounts: forward=%+v backward=%+v", fc, bc)
	}
	fs, bs := forward.Stats(), backward.Stats()
	for _, s := range worker.AllStats {
		if fs[s] != bs[s] {
			t.Fatalf("merge order changed stat %q: forward=%d backward=%d", s, fs[s], bs[s])
		}
	}
	if fc.Correct != 5 || fc.Reverse != 1 {
		t.Fatalf("RegionCounts = %+v, want Correct=5 Reverse=1", fc)
	}
}

func TestAccumulatorSeedsAllStatsAtZero(t *testing.T) {
	a := NewAccumulator()
	stats := a.Stats()
	for _, s := range worker.AllStats {
		if v, ok := stats[s]; !ok || v != 0 {
			t.Fatalf("stat %q = %d, ok=%v, want 0, true", s, v, ok)
		}
	}
	if v, ok := stats[worker.StatNotInRegion]; !ok || v != 0 {
		t.Fatalf("not_in_region = %d, ok=%v, want 0, true", v, ok)
	}
}

func TestWriteCountsOnlyCorrectHeader(t *testing.T) {
	dir := t.TempDir()
	counts := map[string]*worker.RegionCount{
		"geneB": {Correct: 5, Reverse: 2},
		"geneA": {Correct: 1, Reverse: 0},
	}
	stats := map[string]uint64{worker.StatCorrect: 6}

	if err := WriteCounts(dir, "gene_id", counts, stats, nil, true); err != nil {
		t.Fatalf("WriteCounts: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "counts.tsv"))
	if err != nil {
		t.Fatalf("reading counts.tsv: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "gene_id\tcount" {
		t.Fatalf("header = %q, want only-correct header", lines[0])
	}
	// Sorted lexicographically since featureOrder is nil: geneA before geneB.
	if lines[1] != "geneA\t1" || lines[2] != "geneB\t5" {
		t.Fatalf("rows = %v, want geneA then geneB in sorted order", lines[1:])
	}
}

func TestWriteCountsStrandedHeaderAndFeatureOrder(t *testing.T) {
	dir := t.TempDir()
	counts := map[string]*worker.RegionCount{
		"geneB": {Correct: 5, Reverse: 2},
		"geneA": {Correct: 1, Reverse: 0},
	}
	stats := map[string]uint64{worker.StatCorrect: 6}
	order := []string{"geneB", "geneA"}

	if err := WriteCounts(dir, "gene_id", counts, stats, order, false); err != nil {
		t.Fatalf("WriteCounts: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "counts.tsv"))
	if err != nil {
		t.Fatalf("reading counts.tsv: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "gene_id\tcount_correct\tcount_reverse" {
		t.Fatalf("header = %q, want stranded header", lines[0])
	}
	// featureOrder given: geneB stays first despite being lexicographically later.
	if lines[1] != "geneB\t5\t2" || lines[2] != "geneA\t1\t0" {
		t.Fatalf("rows = %v, want declared feature order preserved", lines[1:])
	}
}

func TestWriteCountsEmitsStatsFile(t *testing.T) {
	dir := t.TempDir()
	stats := map[string]uint64{worker.StatCorrect: 3, worker.StatDuplicate: 1}

	if err := WriteCounts(dir, "gene_id", nil, stats, nil, true); err != nil {
		t.Fatalf("WriteCounts: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "counts.tsv.stats.tsv"))
	if err != nil {
		t.Fatalf("reading stats file: %v", err)
	}
	if !strings.Contains(string(data), "correct\t3") || !strings.Contains(string(data), "duplicate\t1") {
		t.Fatalf("stats file missing expected rows: %q", data)
	}
}

// TestWriteMatrixMarketDimsAndNNZ mirrors scenario S5: the header's three
// integers are (features, barcodes, nonzero entries), and entries outside
// the declared feature/barcode universe are dropped rather than invented.
func TestWriteMatrixMarketDimsAndNNZ(t *testing.T) {
	dir := t.TempDir()
	features := []string{"geneA", "geneB"}
	barcodes := []string{"AAAA", "CCCC"}
	singleCell := map[worker.SCKey]uint64{
		{Feature: "geneA", Barcode: "AAAA"}: 4,
		{Feature: "geneB", Barcode: "CCCC"}: 2,
		{Feature: "geneZ", Barcode: "AAAA"}: 9, // not in featureOrder: dropped
	}

	if err := WriteMatrixMarket(dir, singleCell, features, barcodes); err != nil {
		t.Fatalf("WriteMatrixMarket: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "matrix.mtx"))
	if err != nil {
		t.Fatalf("reading matrix.mtx: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "%%MatrixMarket matrix coordinate integer general" {
		t.Fatalf("banner = %q", lines[0])
	}
	if lines[1] != "2 2 2" {
		t.Fatalf("dims line = %q, want \"2 2 2\" (2 features, 2 barcodes, 2 nonzero entries)", lines[1])
	}
	// 1-based indices: geneA=row1, geneB=row2, AAAA=col1, CCCC=col2.
	if lines[2] != "1 1 4" || lines[3] != "2 2 2" {
		t.Fatalf("entries = %v, want [\"1 1 4\", \"2 2 2\"]", lines[2:])
	}

	for _, fname := range []string{"features.tsv", "barcodes.tsv"} {
		if _, err := os.Stat(filepath.Join(dir, fname)); err != nil {
			t.Fatalf("expected %s to be written: %v", fname, err)
		}
	}
}

func TestWriteMatrixMarketEmptyStillWritesHeaderDims(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMatrixMarket(dir, map[worker.SCKey]uint64{}, nil, nil); err != nil {
		t.Fatalf("WriteMatrixMarket: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "matrix.mtx"))
	if err != nil {
		t.Fatalf("reading matrix.mtx: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[1] != "0 0 0" {
		t.Fatalf("dims line = %q, want \"0 0 0\"", lines[1])
	}
}
