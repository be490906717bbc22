// Package barcode implements the barcode corrector (C5).
//
// Grounded on CellBarcodes::correct/find_closest_by_hamming: a composite
// barcode is split on a separator byte into segments, each matched against
// its own whitelist, exactly or (if within the configured Hamming bound) by
// nearest match. The original's find_closest_by_hamming scans a HashSet in
// Rust's unspecified iteration order; spec §4.5 requires implementations to
// freeze and document this order, so here each Whitelist is an ordered
// slice (file/insertion order) and ties break to the first matching entry
// in that order.
package barcode

import "bytes"

// Whitelist is an ordered set of valid barcode segments for one position in
// a composite barcode. Order is significant: it is the tie-break order used
// by Hamming-bounded correction.
type Whitelist [][]byte

// Contains reports whether seg is an exact member of w.
func (w Whitelist) Contains(seg []byte) bool {
	for _, e := range w {
		if bytes.Equal(e, seg) {
			return true
		}
	}
	return false
}

// Corrector segments a composite barcode on Separator and corrects each
// segment against its corresponding Whitelists entry.
type Corrector struct {
	Separator  byte
	MaxHamming int
	Whitelists []Whitelist
}

// Correct attempts to correct raw against the configured whitelists. It
// returns the corrected barcode and true on success; false if any segment
// fails to match any whitelist entry within the Hamming bound (the whole
// barcode then fails, per spec §4.5).
//
// Special cases (spec §4.5): an empty Whitelists list returns raw unchanged
// if raw is non-empty, else reports failure. MaxHamming == 0 disables
// approximate matching (exact membership only).
func (c Corrector) Correct(raw []byte) (corrected []byte, ok bool) {
	if len(c.Whitelists) == 0 {
		if len(raw) == 0 {
			return nil, false
		}
		return raw, true
	}

	segments := splitOn(raw, c.Separator)
	if len(segments) != len(c.Whitelists) {
		return nil, false
	}

	out := make([][]byte, len(segments))
	for i, seg := range segments {
		wl := c.Whitelists[i]
		if wl.Contains(seg) {
			out[i] = seg
			continue
		}
		match, found := findClosestByHamming(seg, wl, c.MaxHamming)
		if !found {
			return nil, false
		}
		out[i] = match
	}
	return bytes.Join(out, []byte{c.Separator}), true
}

func splitOn(raw []byte, sep byte) [][]byte {
	return bytes.Split(raw, []byte{sep})
}

// findClosestByHamming returns the first whitelist entry within maxHamming
// Hamming distance of seg, scanning in whitelist order. maxHamming == 0
// disables approximate matching entirely (returns not-found immediately),
// matching the original's short-circuit.
func findClosestByHamming(seg []byte, wl Whitelist, maxHamming int) ([]byte, bool) {
	if maxHamming <= 0 {
		return nil, false
	}
	for _, entry := range wl {
		if d, ok := hamming(entry, seg); ok && d <= maxHamming {
			return entry, true
		}
	}
	return nil, false
}

// hamming returns the Hamming distance between equal-length byte strings.
// Unequal lengths are not comparable under Hamming distance and report
// ok=false, matching the original's behavior of treating a length mismatch
// as "not a candidate" rather than an error.
//
// This is implemented directly against the standard library rather than
// adapted from a pack dependency: it is a five-line mismatched-byte count, and
// no example repo or ecosystem library publishes Hamming distance as a
// reusable unit smaller than pulling in an entire alignment-distance
// package (the pack's only distance-metric file, util/distance.go,
// implements Levenshtein, a different metric entirely).
func hamming(a, b []byte) (int, bool) {
	if len(a) != len(b) {
		return 0, false
	}
	d := 0
	for i := range a {
		if a[i] != b[i] {
			d++
		}
	}
	return d, true
}
