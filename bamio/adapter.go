package bamio

import "github.com/grailbio/hts/sam"

// RecordView adapts a *sam.Record to the narrow Record interfaces that
// packages extract and filter depend on, so those packages need not import
// github.com/grailbio/hts/sam directly and stay testable with fakes.
type RecordView struct {
	R          *sam.Record
	maxSkipLen int
}

// NewRecordView wraps r. maxSkipLen bounds CorrectedPos per spec §4.9.
func NewRecordView(r *sam.Record, maxSkipLen int) RecordView {
	return RecordView{R: r, maxSkipLen: maxSkipLen}
}

// Name implements extract.Record.
func (v RecordView) Name() string { return v.R.Name }

// Sequence implements extract.Record.
func (v RecordView) Sequence() []byte { return v.R.Seq.Expand() }

// Tag implements extract.Record.
func (v RecordView) Tag(name [2]byte) (string, bool) {
	aux := v.R.AuxFields.Get(sam.Tag(name))
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}

// NumAlignments implements filter.Record.
func (v RecordView) NumAlignments() int { return NumAlignments(v.R) }

// IsSecondary implements filter.Record.
func (v RecordView) IsSecondary() bool { return v.R.Flags&sam.Secondary != 0 }

// IsRead1 implements filter.Record.
func (v RecordView) IsRead1() bool { return v.R.Flags&sam.Read1 != 0 }

// IsRead2 implements filter.Record.
func (v RecordView) IsRead2() bool { return v.R.Flags&sam.Read2 != 0 }

// HasLeadingRefSkip implements filter.Record.
func (v RecordView) HasLeadingRefSkip() bool { return HasLeadingRefSkip(v.R) }

// IsReverse reports the read's orientation.
func (v RecordView) IsReverse() bool { return v.R.Flags&sam.Reverse != 0 }

// CorrectedPos returns the record's clipping-corrected position.
func (v RecordView) CorrectedPos() int { return CorrectedPos(v.R, v.maxSkipLen) }
