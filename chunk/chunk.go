// Package chunk implements the reference chunker (C1).
//
// Grounded on encoding/bam/shard.go's fixed-size chunk emission and
// validation idiom (CoordGenerator, ValidateShardList), merged with
// original_source/src/engine/chunked_genome.rs's feature-non-splitting
// stop-extension retry loop: when a region index is supplied, a tentative
// chunk boundary that falls inside a region is pushed out to one past the
// region's end, and the check repeats until no region straddles the new
// boundary.
package chunk

import (
	"fmt"

	"github.com/tyberius-labs/bamquant/region"
)

// DefaultChunkSize is the target chunk size in bases (spec §4.1: "default
// ≈10 Mb").
const DefaultChunkSize = 10_000_000

// ReferenceInfo describes one reference sequence as exposed by the
// alignment file's header.
type ReferenceInfo struct {
	Name        string
	ID          int
	Length      int
	HasAligned  bool
}

// Chunk is a half-open coordinate window on one reference, the unit of
// parallel work (spec §3).
type Chunk struct {
	Reference   string
	ReferenceID int
	Start       int
	Stop        int
}

// ID returns the chunk's unique identifier, the literal triple formatted as
// "reference:start:stop" (spec §4.1).
func (c Chunk) ID() string {
	return fmt.Sprintf("%s:%d:%d", c.Reference, c.Start, c.Stop)
}

// Generate partitions every reference with HasAligned set into chunks of
// approximately chunkSize bases, never splitting a region from regionIdx
// (which should be built with region.Merged — spec §4.2). regionIdx may be
// nil, in which case chunks are purely fixed-size.
//
// Reference filtering (keeping/removing specific references per the filter
// pipeline) is the caller's responsibility: callers should filter refs
// before calling Generate, per spec §4.1's "applied at chunking time" note.
func Generate(refs []ReferenceInfo, chunkSize int, regionIdx region.Index) ([]Chunk, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var out []Chunk
	seen := make(map[string]bool)
	for _, ref := range refs {
		if !ref.HasAligned {
			continue
		}
		var ri *region.ReferenceIndex
		if regionIdx != nil {
			ri = regionIdx[ref.Name]
		}
		start := 0
		for start < ref.Length {
			stop := start + chunkSize
			if stop > ref.Length {
				stop = ref.Length
			}
			if ri != nil {
				var err error
				stop, err = extendPastOverlaps(ri, stop, ref.Length)
				if err != nil {
					return nil, err
				}
			}
			c := Chunk{Reference: ref.Name, ReferenceID: ref.ID, Start: start, Stop: stop}
			if seen[c.ID()] {
				return nil, fmt.Errorf("chunk: duplicate chunk id %q", c.ID())
			}
			seen[c.ID()] = true
			out = append(out, c)
			start = stop
		}
	}
	return out, nil
}

// extendPastOverlaps repeatedly extends stop to one past the end of any
// region overlapping it, until no region straddles the boundary. The loop
// terminates because the number of regions is finite and each iteration
// moves stop strictly forward (spec §4.1).
func extendPastOverlaps(ri *region.ReferenceIndex, stop, refLength int) (int, error) {
	for {
		hits := ri.Overlapping(stop, stop+1)
		if len(hits) == 0 {
			if stop > refLength {
				stop = refLength
			}
			return stop, nil
		}
		newStop := stop
		for _, h := range hits {
			if h.End+1 > newStop {
				newStop = h.End + 1
			}
		}
		if newStop <= stop {
			return 0, fmt.Errorf("chunk: overlap extension did not advance (stop=%d)", stop)
		}
		stop = newStop
	}
}

// Validate checks the invariants of spec §3: chunks per reference are
// ordered, non-overlapping, and within [0, reference length].
func Validate(chunks []Chunk, refLengths map[string]int) error {
	lastStop := make(map[string]int)
	for _, c := range chunks {
		if c.Start >= c.Stop {
			return fmt.Errorf("chunk: invalid chunk %s: start >= stop", c.ID())
		}
		if length, ok := refLengths[c.Reference]; ok && c.Stop > length {
			return fmt.Errorf("chunk: chunk %s exceeds reference length %d", c.ID(), length)
		}
		if prev, ok := lastStop[c.Reference]; ok && c.Start < prev {
			return fmt.Errorf("chunk: chunks for reference %q are not ordered (start %d < previous stop %d)", c.Reference, c.Start, prev)
		}
		lastStop[c.Reference] = c.Stop
	}
	return nil
}
