package region

import "sort"

// Direction is the configured strandedness policy (spec §4.3 table).
type Direction int

const (
	DirectionForward Direction = iota
	DirectionReverse
	DirectionIgnore
)

// OverlapPolicy selects how a read's aligned blocks are reconciled against
// candidate region hits.
type OverlapPolicy int

const (
	OverlapUnion OverlapPolicy = iota
	OverlapIntersectionStrict
	OverlapIntersectionNonEmpty
)

// MultiRegionPolicy selects what happens when more than one identifier
// remains in a bucket after overlap resolution.
type MultiRegionPolicy int

const (
	MultiRegionCountBoth MultiRegionPolicy = iota
	MultiRegionDrop
)

// Block is a maximal run of reference-aligned bases in a read's CIGAR, not
// split by reference skips (spec glossary).
type Block struct {
	Start, End int
}

// classify implements the 10-row direction table of spec §4.3: given the
// configured direction, the read's orientation, and a region's strand,
// decide whether a hit belongs in the "correct" or "reverse" bucket.
// Returns true for correct, false for reverse.
func classify(direction Direction, readReverse bool, strand Strand) bool {
	if strand == Unstranded || direction == DirectionIgnore {
		return true
	}
	switch direction {
	case DirectionForward:
		switch {
		case !readReverse && strand == Forward:
			return true
		case !readReverse && strand == Reverse:
			return false
		case readReverse && strand == Forward:
			return false
		case readReverse && strand == Reverse:
			return true
		}
	case DirectionReverse:
		switch {
		case !readReverse && strand == Forward:
			return false
		case !readReverse && strand == Reverse:
			return true
		case readReverse && strand == Forward:
			return true
		case readReverse && strand == Reverse:
			return false
		}
	}
	return true
}

// IntervalTreeMatcher implements C3's interval-tree matcher variant.
type IntervalTreeMatcher struct {
	Direction         Direction
	Overlap           OverlapPolicy
	MultiRegion       MultiRegionPolicy
}

type candidate struct {
	ident    string
	spans    [][2]int // overlaps of the read's blocks with this identifier's rows
	isCorrect bool
}

// Hits enumerates the feature identifiers a read's aligned blocks overlap
// in ri, classified into correct/reverse buckets and resolved per the
// configured overlap and multi-region policies.
//
// chunkStart bounds the left edge of this chunk: a block straddling it is
// only credited here if its left endpoint lies in this chunk (spec §4.3,
// "only credited to the chunk containing the block's left endpoint").
func (m IntervalTreeMatcher) Hits(ri *ReferenceIndex, blocks []Block, readReverse bool, chunkStart, chunkEnd int) (correct, reverse []string) {
	if ri == nil {
		return nil, nil
	}

	alignedLen := 0
	byIdent := make(map[string]*candidate)
	var order []string

	for _, b := range blocks {
		if b.End <= chunkStart || b.Start >= chunkEnd {
			continue
		}
		if b.Start < chunkStart && b.End >= chunkStart {
			// Straddles the left boundary: credited only to the chunk
			// containing the block's left endpoint, which is not this
			// one.
			continue
		}
		alignedLen += b.End - b.Start
		for _, hit := range ri.Overlapping(b.Start, b.End) {
			ovStart, ovEnd := b.Start, b.End
			if hit.Start > ovStart {
				ovStart = hit.Start
			}
			if hit.End < ovEnd {
				ovEnd = hit.End
			}
			ident := ri.Identifier(hit.Token)
			c, ok := byIdent[ident]
			if !ok {
				c = &candidate{ident: ident, isCorrect: classify(m.Direction, readReverse, hit.Strand)}
				byIdent[ident] = c
				order = append(order, ident)
			}
			c.spans = append(c.spans, [2]int{ovStart, ovEnd})
		}
	}

	switch m.Overlap {
	case OverlapUnion:
		// keep every candidate
	case OverlapIntersectionStrict:
		order = filterFullyContaining(order, byIdent, alignedLen)
	case OverlapIntersectionNonEmpty:
		strict := filterFullyContaining(order, byIdent, alignedLen)
		if len(strict) > 0 {
			order = strict
		}
	}

	for _, ident := range order {
		c := byIdent[ident]
		if c.isCorrect {
			correct = append(correct, ident)
		} else {
			reverse = append(reverse, ident)
		}
	}
	sort.Strings(correct)
	sort.Strings(reverse)

	if m.MultiRegion == MultiRegionDrop {
		if len(correct) > 1 {
			correct = nil
		}
		if len(reverse) > 1 {
			reverse = nil
		}
	}
	return correct, reverse
}

// filterFullyContaining keeps only identifiers whose merged intersected
// length (MergedIntervalLength of their overlap spans, so overlapping rows
// sharing one identifier count once) equals the full aligned length of the
// read (i.e. the read is entirely inside the region) — spec §4.3's
// intersection_strict rule.
func filterFullyContaining(order []string, byIdent map[string]*candidate, alignedLen int) []string {
	var kept []string
	for _, ident := range order {
		if MergedIntervalLength(byIdent[ident].spans) == alignedLen {
			kept = append(kept, ident)
		}
	}
	return kept
}

// TagMatcher implements C3's tag-matcher variant: reads a two-byte tag and
// yields its string value as a single hit. Chunking degrades to one chunk
// per reference covering its full length (handled by the chunker, not
// here).
type TagMatcher struct {
	Direction Direction
}

// Hits classifies the single tag value as correct/reverse exactly as for
// an unstranded region (spec §4.3).
func (m TagMatcher) Hits(tagValue string, found bool, readReverse bool) (correct, reverse []string) {
	if !found {
		return nil, nil
	}
	if classify(m.Direction, readReverse, Unstranded) {
		return []string{tagValue}, nil
	}
	return nil, []string{tagValue}
}

// WholeReferenceMatcher implements C3's whole-reference variant: the
// reference name itself is the single hit, classified exactly as for an
// unstranded region.
type WholeReferenceMatcher struct {
	Direction Direction
}

// Hits classifies referenceName as correct/reverse.
func (m WholeReferenceMatcher) Hits(referenceName string, readReverse bool) (correct, reverse []string) {
	if classify(m.Direction, readReverse, Unstranded) {
		return []string{referenceName}, nil
	}
	return nil, []string{referenceName}
}
