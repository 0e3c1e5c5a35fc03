package activitypub

import (
	"net/http"
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	// Jitter is +-20%, so compare against the un-jittered schedule with
	// that tolerance.
	expected := []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		8 * time.Minute,
		32 * time.Minute,
		2*time.Hour + 8*time.Minute,
		4 * time.Hour,
		4 * time.Hour,
	}

	for i, want := range expected {
		attempts := i + 1
		got := backoffDelay(attempts)
		lo := time.Duration(float64(want) * 0.79)
		hi := time.Duration(float64(want) * 1.21)
		if got < lo || got > hi {
			t.Errorf("attempt %d: expected ~%v (within 20%%), got %v", attempts, want, got)
		}
	}
}

func TestBackoffDelayJitterVaries(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 10; i++ {
		seen[backoffDelay(3)] = true
	}
	if len(seen) < 2 {
		t.Error("Expected jitter to produce varying delays")
	}
}

func TestPermanentFailure(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, false},
		{http.StatusOK, false},
		{http.StatusAccepted, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		if got := permanentFailure(tt.status); got != tt.want {
			t.Errorf("permanentFailure(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
