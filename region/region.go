// Package region implements the region index (C2) and the read-to-region
// matcher (C3).
//
// The index is grounded on build_trees_from_gtf: per reference, an
// augmented interval tree paired with an ordered identifier vector so a
// tree hit's small integer payload resolves back to a feature id without
// a second map lookup. The tree itself is github.com/biogo/store/interval's
// IntTree, confirmed against biogo-examples/brahma/brahma.go's usage
// (Insert/DoMatching/Do/Range/Overlap) since grailbio-bio's own
// interval/bedunion.go only supports merged-union point containment, not
// the per-interval (token, strand) payload this component needs.
package region

import (
	"sort"

	"github.com/biogo/store/interval"
)

// Strand is the strand of a region, or of a read's orientation-derived
// classification.
type Strand int

const (
	Unstranded Strand = iota
	Forward
	Reverse
)

// Region is one annotation row, after ingest (0-based half-open).
type Region struct {
	ID        string
	Start     int
	End       int
	Strand    Strand
	Reference string
}

// record implements interval.IntInterface, carrying the (token, strand)
// payload spec §4.2 requires alongside the raw interval.
type record struct {
	id           uintptr
	start, end   int
	token        int32
	strand       Strand
}

func (r *record) Overlap(b interval.IntRange) bool {
	return r.end > b.Start && r.start < b.End
}
func (r *record) ID() uintptr { return r.id }
func (r *record) Range() interval.IntRange {
	return interval.IntRange{Start: r.start, End: r.end}
}

// ReferenceIndex is the per-reference augmented interval tree plus its
// token-to-identifier vector.
type ReferenceIndex struct {
	tree   *interval.IntTree
	idents []string
}

// Identifier resolves a token back to its feature identifier string.
func (ri *ReferenceIndex) Identifier(token int32) string {
	return ri.idents[token]
}

// Hit is one overlapping region, returned by Overlapping.
type Hit struct {
	Token  int32
	Start  int
	End    int
	Strand Strand
}

// Overlapping enumerates every region in ri overlapping [qStart, qEnd).
func (ri *ReferenceIndex) Overlapping(qStart, qEnd int) []Hit {
	if ri.tree == nil {
		return nil
	}
	var hits []Hit
	ri.tree.DoMatching(func(iv interval.IntInterface) (done bool) {
		rec := iv.(*record)
		hits = append(hits, Hit{Token: rec.token, Start: rec.start, End: rec.end, Strand: rec.strand})
		return false
	}, interval.IntRange{Start: qStart, End: qEnd})
	return hits
}

// Index maps reference name to its per-reference tree.
type Index map[string]*ReferenceIndex

// BuildVariant selects how rows sharing a feature identifier are combined.
type BuildVariant int

const (
	// Unmerged keeps one interval per annotation row; tokens are dense
	// indices into the per-reference identifier vector, used by the
	// matcher for fine-grained overlap queries.
	Unmerged BuildVariant = iota
	// Merged collapses all rows sharing an identifier to their (min
	// start, max end) envelope with strand forced to Unstranded; used
	// only to generate chunks, so chunk boundaries respect feature
	// extents (spec §4.2).
	Merged
)

// Build constructs an Index from a per-reference list of regions.
func Build(byReference map[string][]Region, variant BuildVariant) Index {
	idx := make(Index, len(byReference))
	var nextID uintptr
	for ref, regions := range byReference {
		if variant == Merged {
			regions = mergeByIdentifier(regions)
		}
		ri := &ReferenceIndex{tree: &interval.IntTree{}}
		identToToken := make(map[string]int32, len(regions))
		for _, rg := range regions {
			tok, ok := identToToken[rg.ID]
			if !ok {
				tok = int32(len(ri.idents))
				ri.idents = append(ri.idents, rg.ID)
				identToToken[rg.ID] = tok
			}
			rec := &record{id: nextID, start: rg.Start, end: rg.End, token: tok, strand: rg.Strand}
			nextID++
			_ = ri.tree.Insert(rec, true)
		}
		idx[ref] = ri
	}
	return idx
}

func mergeByIdentifier(regions []Region) []Region {
	byID := make(map[string]*Region, len(regions))
	var order []string
	for _, rg := range regions {
		if cur, ok := byID[rg.ID]; ok {
			if rg.Start < cur.Start {
				cur.Start = rg.Start
			}
			if rg.End > cur.End {
				cur.End = rg.End
			}
			continue
		}
		cp := rg
		cp.Strand = Unstranded
		byID[rg.ID] = &cp
		order = append(order, rg.ID)
	}
	out := make([]Region, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// MergedIntervalLength returns the cardinality of the union of integer
// points covered by a set of possibly-overlapping half-open intervals
// [start, end). Grounded on spec §4.3's sweep description. The
// interval-tree matcher's intersection rules use it to measure how much of
// a read one identifier covers: a CIGAR's blocks are disjoint, but several
// rows sharing an identifier may overlap each other, and the union counts
// such shared bases once.
func MergedIntervalLength(intervals [][2]int) int {
	if len(intervals) == 0 {
		return 0
	}
	sorted := append([][2]int(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	total := 0
	curStart, curEnd := sorted[0][0], sorted[0][1]
	for _, iv := range sorted[1:] {
		if iv[0] <= curEnd {
			if iv[1] > curEnd {
				curEnd = iv[1]
			}
			continue
		}
		total += curEnd - curStart
		curStart, curEnd = iv[0], iv[1]
	}
	total += curEnd - curStart
	return total
}
