package connect

import "testing"

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 1, Max: 8}

	cases := []struct {
		attempt int
		want    int64
	}{
		{0, 1},
		{1, 2},
		{2, 4},
		{3, 8},
		{4, 8},
		{10, 8},
	}
	for _, c := range cases {
		if got := b.next(c.attempt); int64(got) != c.want {
			t.Fatalf("attempt %d: expected %d, got %d", c.attempt, c.want, got)
		}
	}
}

func TestDefaultBackoffCeiling(t *testing.T) {
	if DefaultBackoff.next(100) != DefaultBackoff.Max {
		t.Fatalf("expected backoff to saturate at Max")
	}
}
