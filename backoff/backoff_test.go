package backoff_test

import (
	"testing"
	"time"

	"github.com/floqueue/floq/backoff"
)

func TestConstant(t *testing.T) {
	s := backoff.NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if d := s.Delay(attempt); d != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, d)
		}
	}
}

func TestExponential(t *testing.T) {
	s := backoff.NewExponential(time.Second, time.Minute)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},  // capped
		{20, time.Minute}, // still capped
	}
	for _, tc := range cases {
		if d := s.Delay(tc.attempt); d != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, d, tc.want)
		}
	}
}

func TestFullJitter_Bounds(t *testing.T) {
	s := backoff.NewFullJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := time.Second << (attempt - 1)
		if ceiling > 10*time.Second {
			ceiling = 10 * time.Second
		}
		for i := 0; i < 100; i++ {
			d := s.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestDefault(t *testing.T) {
	s := backoff.Default()
	for i := 0; i < 100; i++ {
		if d := s.Delay(10); d > time.Minute {
			t.Fatalf("Delay(10) = %v, want <= 1m", d)
		}
	}
}
