package ratespec

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		spec       string
		wantCount  int
		wantWindow time.Duration
		wantErr    bool
	}{
		{"seconds", "10r/s", 10, time.Second, false},
		{"minutes default window value", "5r/m", 5, time.Minute, false},
		{"explicit window value", "2r/15m", 2, 15 * time.Minute, false},
		{"hours", "1r/h", 1, time.Hour, false},
		{"days", "3r/d", 3, 24 * time.Hour, false},
		{"milliseconds", "1r/500ms", 1, 500 * time.Millisecond, false},
		{"nanoseconds", "1r/1000ns", 1, 1000 * time.Nanosecond, false},
		{"unknown unit fails", "5r/3x", 0, 0, true},
		{"missing slash fails", "5rm", 0, 0, true},
		{"non-numeric count fails", "abcr/m", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error parsing %q, got none", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error parsing %q: %v", tt.spec, err)
			}
			if got.MaxCount != tt.wantCount {
				t.Errorf("MaxCount = %d, want %d", got.MaxCount, tt.wantCount)
			}
			if got.Window != tt.wantWindow {
				t.Errorf("Window = %v, want %v", got.Window, tt.wantWindow)
			}
		})
	}
}

func TestParse_NonPositiveCountIsUnlimited(t *testing.T) {
	tests := []string{"0r/s", "-5r/s"}
	for _, spec := range tests {
		got, err := Parse(spec)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", spec, err)
		}
		if !got.IsUnlimited() {
			t.Errorf("expected %q to parse as unlimited, got %+v", spec, got)
		}
	}
}

func TestParseOrUnlimited_SwallowsErrors(t *testing.T) {
	got := ParseOrUnlimited("garbage")
	if !got.IsUnlimited() {
		t.Errorf("expected ParseOrUnlimited to return Unlimited on parse failure, got %+v", got)
	}
}

func TestString_IdempotentRoundTrip(t *testing.T) {
	// Testable property: for every canonical spec string "Nr/Mu", parse then
	// reformat yields "Nr/Mu" (with M=1 elided).
	tests := []string{
		"5r/m",
		"10r/s",
		"2r/15m",
		"1r/h",
		"3r/d",
	}

	for _, spec := range tests {
		t.Run(spec, func(t *testing.T) {
			parsed, err := Parse(spec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := parsed.String(); got != spec {
				t.Errorf("round trip: Parse(%q).String() = %q, want %q", spec, got, spec)
			}
		})
	}
}

func TestString_Unlimited(t *testing.T) {
	if got := Unlimited.String(); got != "unlimited" {
		t.Errorf("Unlimited.String() = %q, want %q", got, "unlimited")
	}
}

func TestTicks(t *testing.T) {
	spec, err := Parse("1r/s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := spec.Ticks(1000); got != 1000 {
		t.Errorf("Ticks(1000) = %d, want 1000", got)
	}
}

func TestIsUnlimited(t *testing.T) {
	if Unlimited.MaxCount >= 0 {
		t.Fatalf("Unlimited sentinel must have a negative MaxCount, got %d", Unlimited.MaxCount)
	}
	spec := RateSpec{MaxCount: 5, Window: time.Second}
	if spec.IsUnlimited() {
		t.Error("expected a valid RateSpec to not be unlimited")
	}
}
