package rating

import (
	"math"
	"testing"
)

func TestSpeedBoundaries(t *testing.T) {
	cases := []struct {
		mbps float64
		want string
	}{
		{0, "Very Slow"},
		{4, "Very Slow"},
		{4.999, "Very Slow"},
		{5, "Basic"},
		{24.9, "Basic"},
		{25, "Good"},
		{50, "Fast"},
		{99.99, "Fast"},
		{100, "Very Fast"},
		{150, "Very Fast"},
		{math.Inf(1), "Very Fast"},
	}
	for _, tc := range cases {
		if got := Speed(tc.mbps).Label; got != tc.want {
			t.Fatalf("Speed(%v) = %q, want %q", tc.mbps, got, tc.want)
		}
	}
}

func TestPingBoundaries(t *testing.T) {
	cases := []struct {
		ms   float64
		want string
	}{
		{0, "Excellent"},
		{19.9, "Excellent"},
		{20, "Good"},
		{49, "Good"},
		{50, "Average"},
		{100, "Poor"},
		{1000, "Poor"},
	}
	for _, tc := range cases {
		if got := Ping(tc.ms).Label; got != tc.want {
			t.Fatalf("Ping(%v) = %q, want %q", tc.ms, got, tc.want)
		}
	}
}

func TestSpeedMonotonic(t *testing.T) {
	prev := Speed(0).Tier
	for v := 0.0; v <= 300; v += 0.25 {
		tier := Speed(v).Tier
		if tier < prev {
			t.Fatalf("Speed(%v) tier %d dropped below %d", v, tier, prev)
		}
		prev = tier
	}
}

func TestPingMonotonic(t *testing.T) {
	prev := Ping(0).Tier
	for v := 0.0; v <= 300; v += 0.25 {
		tier := Ping(v).Tier
		if tier > prev {
			t.Fatalf("Ping(%v) tier %d improved over %d", v, tier, prev)
		}
		prev = tier
	}
}

func TestDescriptorsComplete(t *testing.T) {
	for _, v := range []float64{1, 10, 30, 70, 200} {
		d := Speed(v)
		if d.Color == "" || d.Description == "" {
			t.Fatalf("Speed(%v) missing fields: %+v", v, d)
		}
	}
	for _, v := range []float64{1, 30, 70, 200} {
		d := Ping(v)
		if d.Color == "" || d.Description == "" {
			t.Fatalf("Ping(%v) missing fields: %+v", v, d)
		}
	}
}
