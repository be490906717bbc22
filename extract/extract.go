// Package extract implements the UMI / cell-barcode extractors (C4).
//
// Each variant pulls a byte string out of an alignment record: from its
// name (by regex capture or literal-offset search), from a sub-range of its
// sequence, or from an auxiliary tag. Grounded on the UMIExtraction sum
// type: RegexName, ReadRegion and Tag are ported directly; LiteralInName
// (search_in_name) is not present in any retrieved source file and is
// designed fresh from spec §4.4's description.
package extract

import (
	"fmt"
	"regexp"
)

// Record is the minimal view of an alignment this package needs, satisfied
// by bamio.RecordView so this package need not import the sam package.
type Record interface {
	Name() string
	Sequence() []byte
	Tag(name [2]byte) (value string, ok bool)
}

// Extractor pulls a byte string from a record, or reports that none was
// found.
type Extractor interface {
	Extract(r Record) (value []byte, found bool, err error)
}

// None never finds anything; it is the default "no extraction configured"
// extractor.
type None struct{}

// Extract implements Extractor.
func (None) Extract(Record) ([]byte, bool, error) { return nil, false, nil }

// RegexName extracts the first capture group of Pattern matched against the
// read name.
type RegexName struct {
	Pattern *regexp.Regexp
}

// Extract implements Extractor.
func (e RegexName) Extract(r Record) ([]byte, bool, error) {
	m := e.Pattern.FindStringSubmatch(r.Name())
	if m == nil || len(m) < 2 {
		return nil, false, nil
	}
	return []byte(m[1]), true, nil
}

// LiteralInName finds the first occurrence of Literal in the read name; the
// extracted value begins Skip bytes after the match ends and is Len bytes
// long. If that range runs past the end of the name, nothing is found (not
// an error) — per spec §4.4.
type LiteralInName struct {
	Literal string
	Skip    int
	Len     int
}

// Extract implements Extractor.
func (e LiteralInName) Extract(r Record) ([]byte, bool, error) {
	name := r.Name()
	idx := indexOf(name, e.Literal)
	if idx < 0 {
		return nil, false, nil
	}
	start := idx + len(e.Literal) + e.Skip
	end := start + e.Len
	if end > len(name) {
		return nil, false, nil
	}
	return []byte(name[start:end]), true, nil
}

func indexOf(haystack, needle string) int {
	n := len(needle)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(haystack); i++ {
		if haystack[i:i+n] == needle {
			return i
		}
	}
	return -1
}

// ReadRegion extracts bytes [Start, Stop) of the read's sequence. Start <
// Stop is a configuration invariant enforced by NewReadRegion, not checked
// again per read.
type ReadRegion struct {
	Start, Stop int
}

// NewReadRegion validates Start < Stop, per spec §4.4's "start < stop is a
// configuration invariant".
func NewReadRegion(start, stop int) (ReadRegion, error) {
	if !(start < stop) {
		return ReadRegion{}, fmt.Errorf("extract: read region requires start < stop, got [%d, %d)", start, stop)
	}
	return ReadRegion{Start: start, Stop: stop}, nil
}

// Extract implements Extractor.
func (e ReadRegion) Extract(r Record) ([]byte, bool, error) {
	seq := r.Sequence()
	if e.Stop > len(seq) {
		return nil, false, fmt.Errorf("extract: read region [%d, %d) exceeds read length %d", e.Start, e.Stop, len(seq))
	}
	out := make([]byte, e.Stop-e.Start)
	copy(out, seq[e.Start:e.Stop])
	return out, true, nil
}

// Tag extracts the value of a two-byte auxiliary tag, which must be string
// typed.
type Tag struct {
	Name [2]byte
}

// Extract implements Extractor.
func (e Tag) Extract(r Record) ([]byte, bool, error) {
	v, ok := r.Tag(e.Name)
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}
