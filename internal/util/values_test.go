package util

import "testing"

func TestPrimaryKeyString(t *testing.T) {
	m := map[string]any{"b": 2, "a": "x"}
	got := PrimaryKeyString(m)
	if got != "a=x,b=2" {
		t.Fatalf("got %q", got)
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]any{"c": 1, "a": 2, "b": 3})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestValueString(t *testing.T) {
	if got := ValueString([]byte("raw")); got != "raw" {
		t.Fatalf("got %q", got)
	}
	if got := ValueString(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
