package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tolerance              float64
	}{
		{"same point", 47.3769, 8.5417, 47.3769, 8.5417, 0, 0.001},
		{"zurich to london", 47.3769, 8.5417, 51.5074, -0.1278, 776, 10},
		{"new york to sydney", 40.7128, -74.0060, -33.8688, 151.2093, 15988, 50},
		{"across the antimeridian", 0, 179.5, 0, -179.5, 111.19, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := HaversineKm(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			assert.InDelta(t, tc.want, got, tc.tolerance)
		})
	}
}

func TestHaversineKmRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
	}{
		{"latitude above 90", 91, 0, 0, 0},
		{"latitude below -90", 0, 0, -90.01, 0},
		{"longitude above 180", 0, 180.5, 0, 0},
		{"longitude below -180", 0, 0, 0, -181},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, float64(-1), HaversineKm(tc.lat1, tc.lon1, tc.lat2, tc.lon2))
		})
	}
}
