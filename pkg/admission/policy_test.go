package admission

import "testing"

// expected recomputes the rule table of Decide independently, in rule
// order, so the truth-table test does not share code with the
// implementation.
func expected(in Input) Decision {
	if in.SlotOccupied {
		return Decision{Reason: AlreadyConnected}
	}
	if in.InCooldown {
		return Decision{Reason: CooldownActive}
	}
	if in.Bonded {
		return Decision{Accept: true}
	}
	if in.WindowOpen && in.PairFlag {
		return Decision{Accept: true}
	}
	return Decision{Reason: NotBondedWindowClosed}
}

// Reason strings are part of the operator-facing log vocabulary.
func TestRejectReasonStrings(t *testing.T) {
	cases := []struct {
		reason RejectReason
		want   string
	}{
		{AlreadyConnected, "AlreadyConnected"},
		{CooldownActive, "Cooldown"},
		{NotBondedWindowClosed, "NotBondedWindowClosed"},
	}
	for _, tc := range cases {
		if got := tc.reason.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

// All 32 combinations of the five inputs.
func TestDecideTruthTable(t *testing.T) {
	for i := 0; i < 32; i++ {
		in := Input{
			Bonded:       i&1 != 0,
			WindowOpen:   i&2 != 0,
			PairFlag:     i&4 != 0,
			InCooldown:   i&8 != 0,
			SlotOccupied: i&16 != 0,
		}
		got := Decide(in)
		want := expected(in)
		if got != want {
			t.Errorf("Decide(%+v) = %s, want %s", in, got, want)
		}
	}
}

// The named scenarios called out in the design.
func TestDecideScenarios(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "window closed, unbonded, pair flag set",
			in:   Input{PairFlag: true},
			want: Decision{Reason: NotBondedWindowClosed},
		},
		{
			name: "window open, unbonded, pair flag set",
			in:   Input{WindowOpen: true, PairFlag: true},
			want: Decision{Accept: true},
		},
		{
			name: "window open, unbonded, pair flag clear",
			in:   Input{WindowOpen: true},
			want: Decision{Reason: NotBondedWindowClosed},
		},
		{
			name: "bonded, window closed, slot free, no cooldown",
			in:   Input{Bonded: true},
			want: Decision{Accept: true},
		},
		{
			name: "bonded but slot occupied",
			in:   Input{Bonded: true, SlotOccupied: true},
			want: Decision{Reason: AlreadyConnected},
		},
		{
			name: "bonded but in cooldown",
			in:   Input{Bonded: true, InCooldown: true},
			want: Decision{Reason: CooldownActive},
		},
	}

	for _, tc := range cases {
		if got := Decide(tc.in); got != tc.want {
			t.Errorf("%s: Decide = %s, want %s", tc.name, got, tc.want)
		}
	}
}

// While the slot is occupied, everything else is irrelevant.
func TestSlotOccupiedDominates(t *testing.T) {
	for i := 0; i < 16; i++ {
		in := Input{
			Bonded:       i&1 != 0,
			WindowOpen:   i&2 != 0,
			PairFlag:     i&4 != 0,
			InCooldown:   i&8 != 0,
			SlotOccupied: true,
		}
		got := Decide(in)
		if got.Accept || got.Reason != AlreadyConnected {
			t.Errorf("Decide(%+v) = %s, want Reject(AlreadyConnected)", in, got)
		}
	}
}
