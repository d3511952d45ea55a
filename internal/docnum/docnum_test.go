package docnum

import "testing"

func TestFormatPadsBelowThousand(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{1, "ML-001"},
		{42, "ML-042"},
		{999, "ML-999"},
	}
	for _, tc := range cases {
		if got := Format("ML", tc.n); got != tc.want {
			t.Fatalf("Format(ML, %d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestFormatWidensAtRollover(t *testing.T) {
	if got := Format("ML", 1000); got != "ML-1000" {
		t.Fatalf("Format(ML, 1000) = %q, want ML-1000", got)
	}
	if got := Format("ML", 12345); got != "ML-12345" {
		t.Fatalf("Format(ML, 12345) = %q, want ML-12345", got)
	}
}

func TestFormatUsesConfiguredPrefix(t *testing.T) {
	if got := Format("POL", 7); got != "POL-007" {
		t.Fatalf("Format(POL, 7) = %q, want POL-007", got)
	}
}
