// Package dedup implements the per-position deduplicator (C7).
//
// State lives in a PerPositionBucket, keyed by corrected position (or, for
// per-reference buckets, by the chunk's reference — see the "possibly-buggy
// source behavior" note below). Within a bucket, candidates contest for a
// single representative slot keyed by an identity (none / UMI / UMI+barcode),
// the winner decided by MappingPriority.
//
// Grounded directly on the accept_read state machine: a miss inserts and
// reports New; a hit with strictly greater priority evicts the old
// representative and reports DuplicateButPreferred; any other hit reports
// Duplicated.
package dedup

// Mode selects the deduplication identity key.
type Mode int

const (
	// ModeNone accepts every read; there is no contest.
	ModeNone Mode = iota
	// ModeUMI keys the contest by UMI bytes.
	ModeUMI
	// ModeSingleCell keys the contest by (UMI bytes, barcode bytes).
	ModeSingleCell
)

// Bucket selects the deduplication bucket granularity.
type Bucket int

const (
	// BucketPerPosition is the default: one bucket per corrected
	// coordinate per orientation.
	BucketPerPosition Bucket = iota
	// BucketPerReference keeps a single bucket for the whole chunk's
	// reference. Per spec §9: when combined with ModeUMI this keys by the
	// chunk's reference stop, which effectively gathers every read of the
	// chunk into one bucket — preserved verbatim, not "fixed", because the
	// specification calls this out as a behavior to keep, not a bug to
	// silently resolve.
	BucketPerReference
)

// MappingPriority orders candidates within a contest: tuples compare
// lexically by (alignment count, mapq) and the larger tuple wins, so both
// fields are "bigger is better" here, the alignment count included,
// matching the original MappingQuality ordering exactly.
type MappingPriority struct {
	Alignments uint8 // NH tag, clamped to 255
	MAPQ       uint8
}

// Less reports whether p is strictly lower priority than o.
func (p MappingPriority) Less(o MappingPriority) bool {
	if p.Alignments != o.Alignments {
		return p.Alignments < o.Alignments
	}
	return p.MAPQ < o.MAPQ
}

// ClampAlignments converts an alignment count (e.g. an NH tag) to the
// clamped uint8 used in MappingPriority.
func ClampAlignments(n int) uint8 {
	if n > 255 {
		return 255
	}
	if n < 0 {
		return 0
	}
	return uint8(n)
}

// Outcome is the result of offering one candidate to a contest.
type Outcome int

const (
	// New means there was no prior representative for this key; the
	// candidate is accepted.
	New Outcome = iota
	// Duplicated means a prior representative with greater-or-equal
	// priority already occupies this key; the candidate is rejected.
	Duplicated
	// DuplicateButPreferred means the candidate has strictly greater
	// priority than the prior representative; the candidate becomes the
	// new representative and OldIndex identifies the now-displaced one.
	DuplicateButPreferred
)

type entry struct {
	index    int
	priority MappingPriority
}

// Contest tracks, for one key type, the current representative index and
// priority per key.
type Contest struct {
	mode Mode
	none bool // true if contest never rejects (ModeNone)
	umi  map[string]entry
	sc   map[scKey]entry
}

type scKey struct {
	umi     string
	barcode string
}

// NewContest returns a fresh, empty contest for the given mode.
func NewContest(mode Mode) *Contest {
	c := &Contest{mode: mode}
	switch mode {
	case ModeNone:
		c.none = true
	case ModeUMI:
		c.umi = make(map[string]entry)
	case ModeSingleCell:
		c.sc = make(map[scKey]entry)
	}
	return c
}

// Accept offers one candidate (identified by its index in the owning
// bucket's list) to the contest and returns the outcome plus, for
// DuplicateButPreferred, the index of the now-displaced entry.
func (c *Contest) Accept(index int, priority MappingPriority, umi, barcode string) (Outcome, int) {
	if c.none {
		return New, 0
	}
	switch c.mode {
	case ModeUMI:
		return acceptIn(c.umi, umi, index, priority)
	case ModeSingleCell:
		key := scKey{umi: umi, barcode: barcode}
		return acceptIn(c.sc, key, index, priority)
	default:
		return New, 0
	}
}

func acceptIn[K comparable](m map[K]entry, key K, index int, priority MappingPriority) (Outcome, int) {
	cur, ok := m[key]
	if !ok {
		m[key] = entry{index: index, priority: priority}
		return New, 0
	}
	if cur.priority.Less(priority) {
		old := cur.index
		m[key] = entry{index: index, priority: priority}
		return DuplicateButPreferred, old
	}
	return Duplicated, 0
}
