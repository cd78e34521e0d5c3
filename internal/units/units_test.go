package units

import (
	"math"
	"testing"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedMPS float64
		units    string
		want     float64
	}{
		{"mps passthrough", 10.0, MPS, 10.0},
		{"mph", 10.0, MPH, 22.3694},
		{"kmph", 10.0, KMPH, 36.0},
		{"kph alias", 10.0, KPH, 36.0},
		{"unknown unit defaults to mps", 10.0, "furlongs", 10.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertSpeed(tt.speedMPS, tt.units)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("ConvertSpeed(%v, %s) = %v, want %v", tt.speedMPS, tt.units, got, tt.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("IsValid(%q) = false, want true", u)
		}
	}
	if IsValid("knots") {
		t.Error("IsValid(knots) = true, want false")
	}
}

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{5 * math.Pi, math.Pi},
	}
	for _, tt := range tests {
		got := WrapAngle(tt.in)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("WrapAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
