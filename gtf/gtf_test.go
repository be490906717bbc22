package gtf

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/tyberius-labs/bamquant/region"
)

const sampleGTF = `chr1	havana	exon	11	20	.	+	.	gene_id "geneA"; transcript_id "txA";
chr1	havana	gene	100	200	.	-	.	gene_id "geneB";
chr2	havana	exon	5	9	.	.	.	gene_id "geneC";
`

func TestParseConvertsCoordinatesAndStrand(t *testing.T) {
	accepted := map[string]bool{"exon": true, "gene": true}
	attrs := map[string]bool{"gene_id": true, "transcript_id": true}

	got, err := Parse(strings.NewReader(sampleGTF), accepted, attrs, "gene_id", Collapse)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	chr1 := got["chr1"]
	if len(chr1) != 2 {
		t.Fatalf("got %d chr1 regions, want 2: %+v", len(chr1), chr1)
	}
	if chr1[0].ID != "geneA" || chr1[0].Start != 10 || chr1[0].End != 20 || chr1[0].Strand != region.Forward {
		t.Fatalf("unexpected first region: %+v", chr1[0])
	}
	if chr1[1].ID != "geneB" || chr1[1].Start != 99 || chr1[1].End != 200 || chr1[1].Strand != region.Reverse {
		t.Fatalf("unexpected second region: %+v", chr1[1])
	}
	chr2 := got["chr2"]
	if len(chr2) != 1 || chr2[0].Strand != region.Unstranded {
		t.Fatalf("unexpected chr2 regions: %+v", chr2)
	}
}

func TestParseUsesConfiguredIDAttribute(t *testing.T) {
	accepted := map[string]bool{"exon": true}
	attrs := map[string]bool{"transcript_id": true}
	got, err := Parse(strings.NewReader(sampleGTF), accepted, attrs, "transcript_id", Collapse)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	chr1 := got["chr1"]
	if len(chr1) != 1 || chr1[0].ID != "txA" {
		t.Fatalf("expected one region keyed by transcript_id txA, got %+v", chr1)
	}
}

func TestParseSkipsUnacceptedFeatureTypes(t *testing.T) {
	accepted := map[string]bool{"exon": true}
	attrs := map[string]bool{"gene_id": true}
	got, err := Parse(strings.NewReader(sampleGTF), accepted, attrs, "gene_id", Collapse)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got["chr1"]) != 1 {
		t.Fatalf("expected only the exon row on chr1, got %+v", got["chr1"])
	}
}

func TestParseTransparentGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(sampleGTF)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	accepted := map[string]bool{"exon": true, "gene": true}
	attrs := map[string]bool{"gene_id": true}
	got, err := Parse(&buf, accepted, attrs, "gene_id", Collapse)
	if err != nil {
		t.Fatalf("Parse gzipped input: %v", err)
	}
	if len(got["chr1"]) != 2 {
		t.Fatalf("got %+v, want 2 chr1 regions from gzipped input", got["chr1"])
	}
}

// TestParseDuplicateCollapseDropsSubsequent exercises property 7's collapse
// half.
func TestParseDuplicateCollapseDropsSubsequent(t *testing.T) {
	const dup = `chr1	src	exon	11	20	.	+	.	gene_id "geneA";
chr1	src	exon	11	20	.	+	.	gene_id "geneA";
`
	accepted := map[string]bool{"exon": true}
	attrs := map[string]bool{"gene_id": true}
	got, err := Parse(strings.NewReader(dup), accepted, attrs, "gene_id", Collapse)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got["chr1"]) != 1 {
		t.Fatalf("collapse should drop the duplicate row, got %+v", got["chr1"])
	}
}

// TestParseDuplicateRenameAppendsRowIndex exercises property 7's rename
// half: no two rows share the same (start, end, id) triple afterward.
func TestParseDuplicateRenameAppendsRowIndex(t *testing.T) {
	const dup = `chr1	src	exon	11	20	.	+	.	gene_id "geneA";
chr1	src	exon	11	20	.	+	.	gene_id "geneA";
`
	accepted := map[string]bool{"exon": true}
	attrs := map[string]bool{"gene_id": true}
	got, err := Parse(strings.NewReader(dup), accepted, attrs, "gene_id", Rename)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got["chr1"]) != 2 {
		t.Fatalf("rename should keep both rows, got %+v", got["chr1"])
	}
	if got["chr1"][0].ID == got["chr1"][1].ID {
		t.Fatalf("rename should have given the duplicate a distinct id, got %+v", got["chr1"])
	}
	if got["chr1"][1].ID != "geneA-2" {
		t.Fatalf("expected row-index suffix -2, got %q", got["chr1"][1].ID)
	}
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	const withComments = "# comment\n\n" + sampleGTF
	accepted := map[string]bool{"exon": true, "gene": true}
	attrs := map[string]bool{"gene_id": true}
	got, err := Parse(strings.NewReader(withComments), accepted, attrs, "gene_id", Collapse)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got["chr1"]) != 2 {
		t.Fatalf("unexpected regions: %+v", got["chr1"])
	}
}

func TestParseRejectsMalformedRow(t *testing.T) {
	const bad = "chr1\tsrc\texon\t11\t20\n"
	_, err := Parse(strings.NewReader(bad), map[string]bool{"exon": true}, map[string]bool{"gene_id": true}, "gene_id", Collapse)
	if err == nil {
		t.Fatalf("expected an error for a malformed 5-field row")
	}
}
