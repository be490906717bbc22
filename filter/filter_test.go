package filter

import "testing"

type fakeRecord struct {
	numAlignments int
	secondary     bool
	read1, read2  bool
	leadingSkip   bool
}

func (f fakeRecord) NumAlignments() int      { return f.numAlignments }
func (f fakeRecord) IsSecondary() bool       { return f.secondary }
func (f fakeRecord) IsRead1() bool           { return f.read1 }
func (f fakeRecord) IsRead2() bool           { return f.read2 }
func (f fakeRecord) HasLeadingRefSkip() bool { return f.leadingSkip }

func TestMultiMapperKeepRemovesUniquelyMapped(t *testing.T) {
	f := MultiMapper{Action: Keep}
	if f.RemoveRead(fakeRecord{numAlignments: 3}) {
		t.Fatalf("Keep action should keep a multi-mapper")
	}
	if !f.RemoveRead(fakeRecord{numAlignments: 1}) {
		t.Fatalf("Keep action should remove a uniquely-mapped read")
	}
}

func TestMultiMapperRemoveKeepsOnlyUniquelyMapped(t *testing.T) {
	f := MultiMapper{Action: Remove}
	if f.RemoveRead(fakeRecord{numAlignments: 1}) {
		t.Fatalf("Remove action should keep a uniquely-mapped read")
	}
	if !f.RemoveRead(fakeRecord{numAlignments: 2}) {
		t.Fatalf("Remove action should remove a multi-mapper")
	}
}

func TestNonPrimary(t *testing.T) {
	f := NonPrimary{Action: Remove}
	if !f.RemoveRead(fakeRecord{secondary: true}) {
		t.Fatalf("expected secondary alignment removed")
	}
}

func TestRead1Read2(t *testing.T) {
	if !(Read1{Action: Remove}).RemoveRead(fakeRecord{read1: true}) {
		t.Fatalf("expected read1 removed")
	}
	if !(Read2{Action: Remove}).RemoveRead(fakeRecord{read2: true}) {
		t.Fatalf("expected read2 removed")
	}
}

func TestSpliced(t *testing.T) {
	f := Spliced{Action: Remove}
	if !f.RemoveRead(fakeRecord{leadingSkip: true}) {
		t.Fatalf("expected spliced read removed")
	}
}

func TestReferenceSet(t *testing.T) {
	f := ReferenceSet{Action: Remove, References: map[string]bool{"chrM": true}}
	if !f.RemoveReference("chrM") {
		t.Fatalf("expected chrM removed")
	}
	if f.RemoveReference("chr1") {
		t.Fatalf("expected chr1 kept")
	}
}

type fakePostAnnotationRecord struct {
	umi   []byte
	found bool
}

func (f fakePostAnnotationRecord) UMI() ([]byte, bool) { return f.umi, f.found }

func TestNInUMI(t *testing.T) {
	f := NInUMI{Action: Remove}
	if !f.RemoveReadAfterAnnotation(fakePostAnnotationRecord{umi: []byte("ACNT"), found: true}) {
		t.Fatalf("expected UMI with N removed")
	}
	if f.RemoveReadAfterAnnotation(fakePostAnnotationRecord{umi: []byte("ACGT"), found: true}) {
		t.Fatalf("expected clean UMI kept")
	}
	if f.RemoveReadAfterAnnotation(fakePostAnnotationRecord{found: false}) {
		t.Fatalf("no UMI extracted: filter should not apply")
	}
}

func TestPipelineStopsAtFirstMatch(t *testing.T) {
	p := Pipeline{Filters: []Filter{
		MultiMapper{Action: Remove},
		NonPrimary{Action: Remove},
	}}
	if !p.Remove(fakeRecord{numAlignments: 2}) {
		t.Fatalf("expected removal via first filter")
	}
	if p.Remove(fakeRecord{numAlignments: 1, secondary: false}) {
		t.Fatalf("expected no removal")
	}
}
