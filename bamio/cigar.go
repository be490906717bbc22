package bamio

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// AlignedBlocks derives the reference-aligned blocks of r's CIGAR: maximal
// runs of match bases, broken on both deletions and reference-skip
// operations (either kind of reference gap starts a new block). Grounded
// on bam_ext.rs's blocks()/aligned_blocks() and pinned exactly by scenario
// S1: CIGAR 7M2D44M at pos 16096878 yields blocks
// [(16096878,16096885),(16096887,16096931)] — the deletion splits the run
// even though both sides are otherwise contiguous matches.
func AlignedBlocks(r *sam.Record) [][2]int {
	var blocks [][2]int
	pos := r.Pos
	var curStart, curEnd int
	open := false
	closeBlock := func() {
		if open {
			blocks = append(blocks, [2]int{curStart, curEnd})
			open = false
		}
	}
	for _, op := range r.Cigar {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if !open {
				curStart = pos
				open = true
			}
			pos += op.Len()
			curEnd = pos
		case sam.CigarDeletion, sam.CigarSkipped:
			closeBlock()
			pos += op.Len()
		case sam.CigarInsertion, sam.CigarSoftClipped, sam.CigarHardClipped, sam.CigarPadded:
			// consume no reference bases (soft/hard clips and padding) or
			// consume read-only bases (insertion); block state unchanged.
		}
	}
	closeBlock()
	return blocks
}

// Introns returns the reference-skip (N) intervals of r's CIGAR — the
// subset of the gaps between AlignedBlocks that come from skips, not
// deletions — exposed separately since scenario S1 pins both.
func Introns(r *sam.Record) [][2]int {
	var introns [][2]int
	pos := r.Pos
	for _, op := range r.Cigar {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion:
			pos += op.Len()
		case sam.CigarSkipped:
			start := pos
			pos += op.Len()
			introns = append(introns, [2]int{start, pos})
		}
	}
	return introns
}

// LeadingSoftclip returns the length of the leading soft-clip operation, or
// 0 if the CIGAR doesn't start with one.
func LeadingSoftclip(r *sam.Record) int {
	if len(r.Cigar) == 0 {
		return 0
	}
	if r.Cigar[0].Type() == sam.CigarSoftClipped {
		return r.Cigar[0].Len()
	}
	return 0
}

// CorrectedPos returns r's position minus its leading soft-clip length,
// which may be negative for reads clipped off the reference start
// (permitted by spec §4.9). It panics if the soft-clip length exceeds
// maxSkipLen, per spec §7 ("configuration error and MUST panic with a
// clear message") — grounded on bam_ext.rs's corrected_pos.
func CorrectedPos(r *sam.Record, maxSkipLen int) int {
	if r.Pos < 0 {
		return r.Pos
	}
	skip := LeadingSoftclip(r)
	if skip > maxSkipLen {
		panic(fmt.Sprintf("bamio: read %s has a leading soft-clip of %d > max_skip_length %d; increase input.max_skip_length or filter the read", r.Name, skip, maxSkipLen))
	}
	return r.Pos - skip
}

// nhTag is the alignment-count auxiliary tag.
var nhTag = sam.Tag{'N', 'H'}

// NumAlignments returns the NH tag's value, defaulting to 1 if absent
// (grounded on bam_ext.rs's no_of_alignments).
func NumAlignments(r *sam.Record) int {
	aux := r.AuxFields.Get(nhTag)
	if aux == nil {
		return 1
	}
	switch v := aux.Value().(type) {
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case int:
		return v
	default:
		panic(fmt.Sprintf("bamio: NH tag on read %s was not an unsigned integer", r.Name))
	}
}

// HasLeadingRefSkip reports whether r's CIGAR contains a reference-skip
// operation after its first operation (spec §4.6's "spliced" filter).
func HasLeadingRefSkip(r *sam.Record) bool {
	for i, op := range r.Cigar {
		if i == 0 {
			continue
		}
		if op.Type() == sam.CigarSkipped {
			return true
		}
	}
	return false
}

// ReplaceAux removes any existing auxiliary field with the same tag, then
// appends value — grounded on bam_ext.rs's replace_aux, used when writing
// the XF/XQ/XR/XP/CR/CB tags of an annotated shard (spec §4.10).
func ReplaceAux(r *sam.Record, tag sam.Tag, value interface{}) error {
	aux, err := sam.NewAux(tag, value)
	if err != nil {
		return fmt.Errorf("bamio: building aux field %v: %w", tag, err)
	}
	kept := r.AuxFields[:0]
	for _, a := range r.AuxFields {
		if a.Tag() != tag {
			kept = append(kept, a)
		}
	}
	r.AuxFields = append(kept, aux)
	return nil
}
