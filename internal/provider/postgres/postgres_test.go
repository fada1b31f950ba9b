package postgres

import (
	"testing"

	"github.com/mehmetymw/tablewatch/internal/types"
)

func TestComparePositions(t *testing.T) {
	p := &Provider{}

	cases := []struct {
		a, b types.Position
		want int
	}{
		{"0/16B374D0", "0/16B374D0", 0},
		{"0/16B374D0", "0/16B374D8", -1},
		{"0/16B374D8", "0/16B374D0", 1},
		// The high word dominates.
		{"1/00000000", "0/FFFFFFFF", 1},
		{"0/FFFFFFFF", "1/00000000", -1},
	}
	for _, tc := range cases {
		got, err := p.ComparePositions(tc.a, tc.b)
		if err != nil {
			t.Errorf("ComparePositions(%q, %q): %v", tc.a, tc.b, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ComparePositions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}

	if _, err := p.ComparePositions("mysql-bin.000003:100", "0/16B374D0"); err == nil {
		t.Error("expected error for a foreign position format")
	}
}
