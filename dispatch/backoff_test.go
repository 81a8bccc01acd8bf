package dispatch

import (
	"testing"
	"time"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	t.Parallel()

	base := 500 * time.Millisecond
	cap := 30 * time.Second

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Delay(base, cap, tc.failures); got != tc.want {
			t.Errorf("Delay(%v, %v, %d) = %v, want %v", base, cap, tc.failures, got, tc.want)
		}
	}
}

func TestDelayOverflowClampsToCap(t *testing.T) {
	t.Parallel()

	if got := Delay(time.Second, time.Minute, 500); got != time.Minute {
		t.Fatalf("Delay with huge failure count = %v, want cap", got)
	}
	if got := Delay(0, time.Minute, 3); got != 0 {
		t.Fatalf("Delay with zero base = %v, want 0", got)
	}
}
