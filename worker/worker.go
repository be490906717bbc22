// Package worker implements the per-chunk worker (C9): the pipeline that
// turns one chunk's alignment stream into a chunk-local tally, following
// spec §4.9's pseudocode steps a-h.
//
// Grounded on encoding/bamprovider's per-shard iteration idiom for driving
// a bam.Iterator to completion, combined directly with
// original_source/src/engine/mod.rs's per-position bucket/flush loop (the
// "current_pos - p > max_skip_len" threshold and the ordered re-emission
// of AnnotatedRead). circular.NextExp2 gives the size hint for the chunk's
// interner map; the position-bucket map starts unsized.
//
// Hit identifiers are interned (C8) as soon as the matcher produces them:
// within a chunk the same handful of feature identifiers recur across
// thousands of reads, so tallying against int32 tokens and resolving back
// to strings exactly once, at the end of Run, keeps the hot loop away from
// string-keyed maps.
package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tyberius-labs/bamquant/bamio"
	"github.com/tyberius-labs/bamquant/circular"
	"github.com/tyberius-labs/bamquant/barcode"
	"github.com/tyberius-labs/bamquant/chunk"
	"github.com/tyberius-labs/bamquant/dedup"
	"github.com/tyberius-labs/bamquant/extract"
	"github.com/tyberius-labs/bamquant/filter"
	"github.com/tyberius-labs/bamquant/intern"
	"github.com/tyberius-labs/bamquant/region"
)

// XF tag values written to the optional annotated shard (spec §4.10).
const (
	XFCounted               = 0
	XFFiltered              = 1
	XFNotInRegion           = 2
	XFDuplicate             = 3
	XFBarcodeNotInWhitelist = 4
	XFNoBarcode             = 5
	XFNoUMI                 = 6
)

// Stat category names (spec §3). NotInRegion is tracked as a distinct,
// additional category per spec §9's instruction not to collapse it into
// "outside".
const (
	StatCorrect               = "correct"
	StatReverse               = "reverse"
	StatAmbiguous             = "ambiguous"
	StatOutside               = "outside"
	StatFiltered              = "filtered"
	StatDuplicate             = "duplicate"
	StatNoBarcode             = "no_barcode"
	StatNoUMI                 = "no_umi"
	StatBarcodeNotInWhitelist = "barcode_not_in_whitelist"
	StatNotInRegion           = "not_in_region"
)

// AllStats lists every stat category guaranteed present in output, per
// spec §4.10 ("every category present, zeros included").
var AllStats = []string{
	StatCorrect, StatReverse, StatAmbiguous, StatOutside, StatFiltered,
	StatDuplicate, StatNoBarcode, StatNoUMI, StatBarcodeNotInWhitelist,
}

// MatcherKind selects which of the three read-to-region matcher variants
// (C3) a Pipeline uses.
type MatcherKind int

const (
	MatcherIntervalTree MatcherKind = iota
	MatcherTag
	MatcherWholeReference
)

// Matchers wraps the three C3 variants behind one call shape, since each
// variant's Hits signature differs (interval-tree needs the chunk's
// aligned blocks and bounds; tag needs one aux value; whole-reference
// needs only the reference name).
type Matchers struct {
	Kind           MatcherKind
	IntervalTree   region.IntervalTreeMatcher
	Tag            region.TagMatcher
	TagName        [2]byte
	WholeReference region.WholeReferenceMatcher
}

// Hits dispatches to the configured matcher variant.
func (m Matchers) Hits(rv bamio.RecordView, ri *region.ReferenceIndex, referenceName string, chunkStart, chunkEnd int) (correct, reverse []string) {
	switch m.Kind {
	case MatcherIntervalTree:
		raw := bamio.AlignedBlocks(rv.R)
		blocks := make([]region.Block, len(raw))
		for i, b := range raw {
			blocks[i] = region.Block{Start: b[0], End: b[1]}
		}
		return m.IntervalTree.Hits(ri, blocks, rv.IsReverse(), chunkStart, chunkEnd)
	case MatcherTag:
		val, found := rv.Tag(m.TagName)
		return m.Tag.Hits(val, found, rv.IsReverse())
	case MatcherWholeReference:
		return m.WholeReference.Hits(referenceName, rv.IsReverse())
	default:
		return nil, nil
	}
}

// RegionCount is the per-region tally: counts saturate rather than
// overflow (spec §3).
type RegionCount struct {
	Correct uint64
	Reverse uint64
}

func saturatingAdd(v *uint64, n uint64) {
	if *v+n < *v {
		*v = ^uint64(0)
		return
	}
	*v += n
}

// scTokenKey is the single-cell tally key while feature identifiers are
// still tokens: one feature token under one corrected barcode.
type scTokenKey struct {
	feature int32
	barcode string
}

// SCKey is the single-cell tally key after token resolution.
type SCKey struct {
	Feature string
	Barcode string
}

// AnnotatedRecord is one retained-or-dropped read with the tag values the
// aggregator would write to the optional annotated shard, preserved in
// stream order (spec §4.9's "Ordering guarantee").
type AnnotatedRecord struct {
	StreamIndex  int
	R            *bamio.RecordView
	XF           uint8
	RawBarcode   string
	CorrectHits  []string
	ReverseHits  []string
	CorrectedPos int
	Barcode      string
}

// Result is one chunk's complete tally, ready to be merged into the
// shared output accumulator under its single lock (spec §5).
type Result struct {
	ChunkID      string
	RegionCounts map[string]*RegionCount
	SingleCell   map[SCKey]uint64
	Barcodes     map[string]bool
	Stats        map[string]uint64
	Annotated    []AnnotatedRecord
}

func newResult(chunkID string) *Result {
	r := &Result{
		ChunkID:      chunkID,
		RegionCounts: make(map[string]*RegionCount),
		SingleCell:   make(map[SCKey]uint64),
		Barcodes:     make(map[string]bool),
		Stats:        make(map[string]uint64),
	}
	for _, s := range AllStats {
		r.Stats[s] = 0
	}
	r.Stats[StatNotInRegion] = 0
	return r
}

func (r *Result) bump(stat string) { r.Stats[stat]++ }

// Pipeline holds one chunk-worker's configured collaborators. Every
// collaborator field beyond MaxSkipLength is optional; a nil/zero value
// means that stage is not configured and is skipped.
type Pipeline struct {
	MaxSkipLength      int
	CorrectForClipping bool
	ReferenceName      string

	Matcher Matchers

	BarcodeExtractor extract.Extractor
	BarcodeCorrector *barcode.Corrector

	UMIExtractor extract.Extractor

	Filters *filter.Pipeline

	// PostAnnotation is the NInUMI filter, if configured. It cannot live in
	// Filters: filter.NInUMI only implements the post-annotation predicate
	// (it needs the extracted UMI), not filter.Filter's pre-annotation
	// RemoveRead, so the worker applies it separately once a UMI has been
	// extracted (spec §4.6).
	PostAnnotation *filter.NInUMI

	DedupMode   dedup.Mode
	DedupBucket dedup.Bucket

	WriteAnnotated bool
}

// Source streams alignment records for one chunk window; *bamio.Iterator
// wrapped by NewSource satisfies it.
type Source interface {
	Next() bool
	View() bamio.RecordView
	Err() error
}

// iteratorSource adapts a *bamio.Iterator to Source, attaching the
// clipping-correction window to each record it hands out.
type iteratorSource struct {
	it         *bamio.Iterator
	maxSkipLen int
}

// NewSource wraps it as a worker Source.
func NewSource(it *bamio.Iterator, maxSkipLen int) Source {
	return &iteratorSource{it: it, maxSkipLen: maxSkipLen}
}

func (s *iteratorSource) Next() bool { return s.it.Next() }
func (s *iteratorSource) View() bamio.RecordView {
	return bamio.NewRecordView(s.it.Record(), s.maxSkipLen)
}
func (s *iteratorSource) Err() error { return s.it.Err() }

// candidate is one record's working state while it sits in its position
// bucket awaiting a dedup verdict and eventual flush.
type candidate struct {
	streamIndex  int
	view         bamio.RecordView
	correctedPos int
	priority     dedup.MappingPriority
	barcode      string
	hasBarcode   bool
	umi          string
	hasUMI       bool
	correctHits  []string
	reverseHits  []string
	evicted      bool
	outcome      dedup.Outcome
}

// UMI implements filter.PostAnnotationRecord.
func (c *candidate) UMI() ([]byte, bool) {
	if !c.hasUMI {
		return nil, false
	}
	return []byte(c.umi), true
}

type positionBucket struct {
	key     int
	contest *dedup.Contest
	entries []*candidate
}

// run holds the state threaded through one Pipeline.Run call: the
// chunk-scoped interner and its token-keyed tallies, resolved into Result
// only once processing completes.
type run struct {
	pipeline *Pipeline
	result   *Result
	interner *intern.Interner
	tokens   map[int32]*RegionCount
	scTokens map[scTokenKey]uint64
}

// Run drains every record in [c.Start, c.Stop+p.MaxSkipLength) from src,
// applying the pipeline in spec §4.9's order, and returns the chunk's
// tally.
func (p *Pipeline) Run(c chunk.Chunk, isFirstChunkOfReference bool, ri *region.ReferenceIndex, src Source) (*Result, error) {
	r := &run{
		pipeline: p,
		result:   newResult(c.ID()),
		interner: intern.New(circular.NextExp2(256)),
		tokens:   make(map[int32]*RegionCount),
		scTokens: make(map[scTokenKey]uint64),
	}

	buckets := make(map[int]*positionBucket)
	currentRaw := c.Start

	flushDue := func(force bool) {
		for key, b := range buckets {
			if force || currentRaw-key > p.MaxSkipLength {
				r.flush(b)
				delete(buckets, key)
			}
		}
	}

	streamIndex := 0
	for src.Next() {
		rec := src.View()
		currentRaw = rec.R.Pos

		boundsOK := rec.R.Pos >= c.Start && rec.R.Pos < c.Stop
		if !boundsOK && !(isFirstChunkOfReference && rec.R.Pos < 0) {
			r.result.bump(StatNotInRegion)
			streamIndex++
			flushDue(false)
			continue
		}

		if p.Filters != nil && p.Filters.Remove(rec) {
			r.result.bump(StatFiltered)
			if p.WriteAnnotated {
				rv := rec
				r.result.Annotated = append(r.result.Annotated, AnnotatedRecord{StreamIndex: streamIndex, R: &rv, XF: XFFiltered})
			}
			streamIndex++
			flushDue(false)
			continue
		}

		cand := &candidate{streamIndex: streamIndex, view: rec}
		if p.CorrectForClipping {
			cand.correctedPos = rec.CorrectedPos()
		} else {
			cand.correctedPos = rec.R.Pos
		}
		cand.priority = dedup.MappingPriority{
			Alignments: dedup.ClampAlignments(rec.NumAlignments()),
			MAPQ:       rec.R.MapQ,
		}

		if p.BarcodeExtractor != nil {
			raw, found, err := p.BarcodeExtractor.Extract(rec)
			if err != nil {
				return nil, fmt.Errorf("worker: extracting barcode for read %s: %w", rec.Name(), err)
			}
			if !found {
				r.result.bump(StatNoBarcode)
				if p.WriteAnnotated {
					rv := rec
					r.result.Annotated = append(r.result.Annotated, AnnotatedRecord{StreamIndex: streamIndex, R: &rv, XF: XFNoBarcode})
				}
				streamIndex++
				flushDue(false)
				continue
			}
			var ok bool
			var corrected []byte
			if p.BarcodeCorrector != nil {
				corrected, ok = p.BarcodeCorrector.Correct(raw)
			} else {
				corrected, ok = raw, true
			}
			if !ok {
				r.result.bump(StatBarcodeNotInWhitelist)
				if p.WriteAnnotated {
					rv := rec
					r.result.Annotated = append(r.result.Annotated, AnnotatedRecord{StreamIndex: streamIndex, R: &rv, XF: XFBarcodeNotInWhitelist, RawBarcode: string(raw)})
				}
				streamIndex++
				flushDue(false)
				continue
			}
			cand.barcode = string(corrected)
			cand.hasBarcode = true
		}

		if p.UMIExtractor != nil {
			raw, found, err := p.UMIExtractor.Extract(rec)
			if err != nil {
				return nil, fmt.Errorf("worker: extracting UMI for read %s: %w", rec.Name(), err)
			}
			if !found {
				r.result.bump(StatNoUMI)
				if p.WriteAnnotated {
					rv := rec
					r.result.Annotated = append(r.result.Annotated, AnnotatedRecord{StreamIndex: streamIndex, R: &rv, XF: XFNoUMI})
				}
				streamIndex++
				flushDue(false)
				continue
			}
			cand.umi = string(raw)
			cand.hasUMI = true
		}

		if p.PostAnnotation != nil && p.PostAnnotation.RemoveReadAfterAnnotation(cand) {
			r.result.bump(StatFiltered)
			if p.WriteAnnotated {
				rv := rec
				r.result.Annotated = append(r.result.Annotated, AnnotatedRecord{StreamIndex: streamIndex, R: &rv, XF: XFFiltered})
			}
			streamIndex++
			flushDue(false)
			continue
		}

		correct, reverse := p.Matcher.Hits(rec, ri, p.ReferenceName, c.Start, c.Stop)
		cand.correctHits = correct
		cand.reverseHits = reverse

		bucketKey := cand.correctedPos
		if p.DedupBucket == dedup.BucketPerReference {
			bucketKey = c.Stop
		}
		b, ok := buckets[bucketKey]
		if !ok {
			b = &positionBucket{key: bucketKey, contest: dedup.NewContest(p.DedupMode)}
			buckets[bucketKey] = b
		}
		idx := len(b.entries)
		outcome, oldIdx := b.contest.Accept(idx, cand.priority, cand.umi, cand.barcode)
		cand.outcome = outcome
		if outcome == dedup.DuplicateButPreferred {
			b.entries[oldIdx].evicted = true
		}
		b.entries = append(b.entries, cand)

		streamIndex++
		flushDue(false)
	}
	if err := src.Err(); err != nil {
		return nil, fmt.Errorf("worker: reading chunk %s: %w", c.ID(), err)
	}
	flushDue(true)
	r.resolve()
	return r.result, nil
}

// flush commits one completed bucket's entries into the run's token-keyed
// tallies, applying the dedup verdict and multi-region/direction
// categorization.
func (r *run) flush(b *positionBucket) {
	p := r.pipeline
	for _, cand := range b.entries {
		if cand.evicted || cand.outcome == dedup.Duplicated {
			r.result.bump(StatDuplicate)
			if p.WriteAnnotated {
				v := cand.view
				r.result.Annotated = append(r.result.Annotated, AnnotatedRecord{StreamIndex: cand.streamIndex, R: &v, XF: XFDuplicate})
			}
			continue
		}

		switch total := len(cand.correctHits) + len(cand.reverseHits); {
		case total == 0:
			r.result.bump(StatOutside)
		case total > 1:
			// Also catches one correct-strand hit plus one reverse-strand
			// hit at the same locus (overlapping opposite-strand
			// features): exactly one stat category per alignment (spec
			// property 5), never both correct and reverse at once.
			r.result.bump(StatAmbiguous)
		case len(cand.correctHits) > 0:
			r.result.bump(StatCorrect)
		default:
			r.result.bump(StatReverse)
		}

		for _, id := range cand.correctHits {
			tok := r.interner.GetOrIntern(id)
			rc, ok := r.tokens[tok]
			if !ok {
				rc = &RegionCount{}
				r.tokens[tok] = rc
			}
			saturatingAdd(&rc.Correct, 1)
			if cand.hasBarcode {
				r.result.Barcodes[cand.barcode] = true
				r.scTokens[scTokenKey{feature: tok, barcode: cand.barcode}]++
			}
		}
		for _, id := range cand.reverseHits {
			tok := r.interner.GetOrIntern(id)
			rc, ok := r.tokens[tok]
			if !ok {
				rc = &RegionCount{}
				r.tokens[tok] = rc
			}
			saturatingAdd(&rc.Reverse, 1)
		}

		if p.WriteAnnotated {
			v := cand.view
			ar := AnnotatedRecord{
				StreamIndex:  cand.streamIndex,
				R:            &v,
				XF:           XFCounted,
				CorrectHits:  sortedCopy(cand.correctHits),
				ReverseHits:  sortedCopy(cand.reverseHits),
				CorrectedPos: cand.correctedPos,
			}
			if cand.hasBarcode {
				ar.Barcode = cand.barcode
			}
			r.result.Annotated = append(r.result.Annotated, ar)
		}
	}
}

// resolve runs the chunk's single reduction pass from tokens back to
// strings (spec §4.8: "the reducer resolves tokens back to strings
// exactly once per chunk at merge time").
func (r *run) resolve() {
	for tok, rc := range r.tokens {
		r.result.RegionCounts[r.interner.Resolve(tok)] = rc
	}
	for key, n := range r.scTokens {
		r.result.SingleCell[SCKey{Feature: r.interner.Resolve(key.feature), Barcode: key.barcode}] = n
	}
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// XQXR formats a sorted hit-identifier list as the comma-separated XQ/XR
// tag value (spec §4.10).
func XQXR(ids []string) string { return strings.Join(ids, ",") }
