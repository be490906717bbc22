package bamio

import (
	"testing"

	"github.com/grailbio/hts/sam"
)

func cigar(ops ...sam.CigarOp) sam.Cigar { return sam.Cigar(ops) }

// TestAlignedBlocksDeletionSplitsRun pins scenario S1's first case: a read
// at raw position 16096878 with CIGAR 7M2D44M.
func TestAlignedBlocksDeletionSplitsRun(t *testing.T) {
	r := &sam.Record{
		Name: "r1",
		Pos:  16096878,
		Cigar: cigar(
			sam.NewCigarOp(sam.CigarMatch, 7),
			sam.NewCigarOp(sam.CigarDeletion, 2),
			sam.NewCigarOp(sam.CigarMatch, 44),
		),
	}
	got := AlignedBlocks(r)
	want := [][2]int{{16096878, 16096885}, {16096887, 16096931}}
	if len(got) != len(want) {
		t.Fatalf("AlignedBlocks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AlignedBlocks = %v, want %v", got, want)
		}
	}
	if introns := Introns(r); len(introns) != 0 {
		t.Fatalf("Introns = %v, want none (a deletion is not an intron)", introns)
	}
}

// TestAlignedBlocksSkipIsAnIntron pins scenario S1's second case: CIGAR
// 17M2183N34M at the same starting position.
func TestAlignedBlocksSkipIsAnIntron(t *testing.T) {
	const pos = 16096878
	r := &sam.Record{
		Name: "r2",
		Pos:  pos,
		Cigar: cigar(
			sam.NewCigarOp(sam.CigarMatch, 17),
			sam.NewCigarOp(sam.CigarSkipped, 2183),
			sam.NewCigarOp(sam.CigarMatch, 34),
		),
	}
	blocks := AlignedBlocks(r)
	wantBlocks := [][2]int{{pos, pos + 17}, {pos + 17 + 2183, pos + 17 + 2183 + 34}}
	if len(blocks) != len(wantBlocks) {
		t.Fatalf("AlignedBlocks = %v, want %v", blocks, wantBlocks)
	}
	for i := range wantBlocks {
		if blocks[i] != wantBlocks[i] {
			t.Fatalf("AlignedBlocks = %v, want %v", blocks, wantBlocks)
		}
	}
	introns := Introns(r)
	wantIntrons := [][2]int{{pos + 17, pos + 17 + 2183}}
	if len(introns) != 1 || introns[0] != wantIntrons[0] {
		t.Fatalf("Introns = %v, want %v", introns, wantIntrons)
	}
}

// TestCorrectedPosSubtractsSoftclip pins scenario S2's first case: raw
// position 100 with CIGAR 6S45M corrects to 94.
func TestCorrectedPosSubtractsSoftclip(t *testing.T) {
	r := &sam.Record{
		Name: "r3",
		Pos:  100,
		Cigar: cigar(
			sam.NewCigarOp(sam.CigarSoftClipped, 6),
			sam.NewCigarOp(sam.CigarMatch, 45),
		),
	}
	if got := CorrectedPos(r, 10); got != 94 {
		t.Fatalf("CorrectedPos = %d, want 94", got)
	}
}

// TestCorrectedPosPanicsNamingBothNumbers pins scenario S2's second case:
// with max_skip_length=5, a 6-base leading soft-clip must panic with a
// message naming both numbers.
func TestCorrectedPosPanicsNamingBothNumbers(t *testing.T) {
	r := &sam.Record{
		Name: "r4",
		Pos:  100,
		Cigar: cigar(
			sam.NewCigarOp(sam.CigarSoftClipped, 6),
			sam.NewCigarOp(sam.CigarMatch, 45),
		),
	}
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatalf("expected panic")
		}
		msg, ok := rec.(string)
		if !ok {
			t.Fatalf("panic value %v is not a string", rec)
		}
		if !contains(msg, "6") || !contains(msg, "5") {
			t.Fatalf("panic message %q does not name both 6 and 5", msg)
		}
	}()
	CorrectedPos(r, 5)
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestLeadingSoftclip(t *testing.T) {
	r := &sam.Record{Cigar: cigar(sam.NewCigarOp(sam.CigarSoftClipped, 3), sam.NewCigarOp(sam.CigarMatch, 10))}
	if got := LeadingSoftclip(r); got != 3 {
		t.Fatalf("LeadingSoftclip = %d, want 3", got)
	}
	r2 := &sam.Record{Cigar: cigar(sam.NewCigarOp(sam.CigarMatch, 10))}
	if got := LeadingSoftclip(r2); got != 0 {
		t.Fatalf("LeadingSoftclip = %d, want 0", got)
	}
}

func TestNumAlignmentsDefaultsToOne(t *testing.T) {
	r := &sam.Record{}
	if got := NumAlignments(r); got != 1 {
		t.Fatalf("NumAlignments = %d, want 1", got)
	}
	aux, err := sam.NewAux(nhTag, uint8(3))
	if err != nil {
		t.Fatalf("NewAux: %v", err)
	}
	r.AuxFields = append(r.AuxFields, aux)
	if got := NumAlignments(r); got != 3 {
		t.Fatalf("NumAlignments = %d, want 3", got)
	}
}

func TestReplaceAuxOverwritesExisting(t *testing.T) {
	r := &sam.Record{}
	tag := sam.Tag{'X', 'F'}
	if err := ReplaceAux(r, tag, uint8(1)); err != nil {
		t.Fatalf("ReplaceAux: %v", err)
	}
	if err := ReplaceAux(r, tag, uint8(2)); err != nil {
		t.Fatalf("ReplaceAux: %v", err)
	}
	var found int
	for _, a := range r.AuxFields {
		if a.Tag() == tag {
			found++
			if v, ok := a.Value().(uint8); !ok || v != 2 {
				t.Fatalf("XF aux value = %v, want uint8(2)", a.Value())
			}
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one XF aux field after overwrite, found %d", found)
	}
}

func TestHasLeadingRefSkip(t *testing.T) {
	spliced := &sam.Record{Cigar: cigar(
		sam.NewCigarOp(sam.CigarMatch, 17),
		sam.NewCigarOp(sam.CigarSkipped, 100),
		sam.NewCigarOp(sam.CigarMatch, 34),
	)}
	if !HasLeadingRefSkip(spliced) {
		t.Fatalf("expected spliced record to report a reference skip")
	}
	unspliced := &sam.Record{Cigar: cigar(sam.NewCigarOp(sam.CigarMatch, 50))}
	if HasLeadingRefSkip(unspliced) {
		t.Fatalf("expected unspliced record to report no reference skip")
	}
	// A leading skip operation (index 0) doesn't count as a "spliced" body.
	leading := &sam.Record{Cigar: cigar(sam.NewCigarOp(sam.CigarSkipped, 5), sam.NewCigarOp(sam.CigarMatch, 50))}
	if HasLeadingRefSkip(leading) {
		t.Fatalf("a leading skip at index 0 should not count")
	}
}
