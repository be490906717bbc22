package dedup

import "testing"

// S4 — UMI deduplication, per position: two reads at the same position and
// UMI; the higher-mapq read wins and becomes the representative, the first
// is displaced.
func TestContestS4UMIDeduplication(t *testing.T) {
	c := NewContest(ModeUMI)

	outcome, _ := c.Accept(0, MappingPriority{Alignments: 1, MAPQ: 40}, "AAAA", "")
	if outcome != New {
		t.Fatalf("first candidate: got %v, want New", outcome)
	}

	outcome, old := c.Accept(1, MappingPriority{Alignments: 1, MAPQ: 55}, "AAAA", "")
	if outcome != DuplicateButPreferred {
		t.Fatalf("second candidate: got %v, want DuplicateButPreferred", outcome)
	}
	if old != 0 {
		t.Fatalf("displaced index = %d, want 0", old)
	}
}

func TestContestTieGoesToFirstArrived(t *testing.T) {
	c := NewContest(ModeUMI)
	c.Accept(0, MappingPriority{Alignments: 1, MAPQ: 30}, "AAAA", "")
	outcome, _ := c.Accept(1, MappingPriority{Alignments: 1, MAPQ: 30}, "AAAA", "")
	if outcome != Duplicated {
		t.Fatalf("equal priority: got %v, want Duplicated (first-arrived retained)", outcome)
	}
}

func TestContestModeNoneAlwaysNew(t *testing.T) {
	c := NewContest(ModeNone)
	for i := 0; i < 5; i++ {
		outcome, _ := c.Accept(i, MappingPriority{Alignments: 1, MAPQ: 0}, "X", "")
		if outcome != New {
			t.Fatalf("ModeNone candidate %d: got %v, want New", i, outcome)
		}
	}
}

// S5 — single cell: distinct (UMI, barcode) pairs at the same position both
// get accepted.
func TestContestSingleCellDistinctPairsBothNew(t *testing.T) {
	c := NewContest(ModeSingleCell)
	o1, _ := c.Accept(0, MappingPriority{Alignments: 1, MAPQ: 30}, "AAAA", "BC1")
	o2, _ := c.Accept(1, MappingPriority{Alignments: 1, MAPQ: 30}, "TTTT", "BC2")
	if o1 != New || o2 != New {
		t.Fatalf("distinct (umi,barcode) pairs: got %v, %v; want New, New", o1, o2)
	}
}

// Property 4: the contest is monotone — the final stored representative has
// the maximum priority among all candidates offered for a key.
func TestContestMonotone(t *testing.T) {
	c := NewContest(ModeUMI)
	priorities := []MappingPriority{
		{Alignments: 1, MAPQ: 10},
		{Alignments: 1, MAPQ: 50},
		{Alignments: 2, MAPQ: 5},
		{Alignments: 1, MAPQ: 20},
	}
	var winner int
	var winnerPriority MappingPriority
	for i, p := range priorities {
		outcome, old := c.Accept(i, p, "AAAA", "")
		if outcome == New || outcome == DuplicateButPreferred {
			winner = i
			winnerPriority = p
			_ = old
		}
	}
	// The max priority in this set is {Alignments:2, MAPQ:5}.
	if winner != 2 || winnerPriority != (MappingPriority{Alignments: 2, MAPQ: 5}) {
		t.Fatalf("winner = %d (%+v), want index 2 with max priority", winner, winnerPriority)
	}
}

func TestMappingPriorityLess(t *testing.T) {
	cases := []struct {
		a, b MappingPriority
		less bool
	}{
		{MappingPriority{1, 10}, MappingPriority{1, 20}, true},
		{MappingPriority{1, 20}, MappingPriority{1, 10}, false},
		{MappingPriority{1, 10}, MappingPriority{2, 0}, true},
		{MappingPriority{1, 10}, MappingPriority{1, 10}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Less(tc.b); got != tc.less {
			t.Fatalf("%+v.Less(%+v) = %v, want %v", tc.a, tc.b, got, tc.less)
		}
	}
}

func TestClampAlignments(t *testing.T) {
	if ClampAlignments(300) != 255 {
		t.Fatalf("expected clamp to 255")
	}
	if ClampAlignments(-1) != 0 {
		t.Fatalf("expected clamp to 0")
	}
	if ClampAlignments(4) != 4 {
		t.Fatalf("expected passthrough")
	}
}
