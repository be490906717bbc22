// Package intern implements the per-chunk string interner (C8).
//
// Within a chunk the same handful of feature identifier strings recur for
// every overlapping read; the interner gives each a small integer token so
// the hot path (matching, deduplication, tallying) never compares or copies
// byte strings. The interner owns the bytes; tokens are indices back into
// its arena. Cross-chunk merges resolve tokens to strings exactly once, at
// the reduction boundary (see package output).
package intern

// Interner maps byte strings to dense tokens, scoped to a single chunk.
//
// Interner is grounded on the Categorical type: get_or_intern/resolve with a
// same-as-last fast path, since a worker frequently interns the same
// identifier as the previous read (adjacent alignments routinely hit the
// same gene).
type Interner struct {
	strings []string
	index   map[string]int32

	lastString string
	lastToken  int32
	hasLast    bool
}

// New returns an empty Interner. sizeHint, when positive, pre-sizes the
// backing map (e.g. to the number of regions overlapping the chunk).
func New(sizeHint int) *Interner {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Interner{
		index: make(map[string]int32, sizeHint),
	}
}

// GetOrIntern returns the token for s, allocating a new one if s has not
// been seen before in this interner.
func (in *Interner) GetOrIntern(s string) int32 {
	if in.hasLast && s == in.lastString {
		return in.lastToken
	}
	if tok, ok := in.index[s]; ok {
		in.lastString, in.lastToken, in.hasLast = s, tok, true
		return tok
	}
	tok := int32(len(in.strings))
	in.strings = append(in.strings, s)
	in.index[s] = tok
	in.lastString, in.lastToken, in.hasLast = s, tok, true
	return tok
}

// Resolve returns the string for a previously interned token. It panics if
// the token is out of range: an out-of-range token is an internal
// invariant violation, not a recoverable error (spec §7).
func (in *Interner) Resolve(token int32) string {
	if token < 0 || int(token) >= len(in.strings) {
		panic("intern: token out of range")
	}
	return in.strings[token]
}

// Len returns the number of distinct strings interned so far.
func (in *Interner) Len() int { return len(in.strings) }
