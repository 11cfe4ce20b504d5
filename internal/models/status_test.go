package models

import "testing"

func TestRideStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		want     bool
	}{
		{RidePending, RideOngoing, true},
		{RidePending, RideCancelled, true},
		{RidePending, RideCompleted, false},
		{RideOngoing, RideCompleted, true},
		{RideOngoing, RideCancelled, true},
		{RideOngoing, RidePending, false},
		{RideCompleted, RideCancelled, false},
		{RideCancelled, RideOngoing, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRequestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RequestStatus
		want     bool
	}{
		{RequestPending, RequestConfirmed, true},
		{RequestPending, RequestRejected, true},
		{RequestPending, RequestCancelled, true},
		{RequestPending, RequestInVehicle, false},
		{RequestConfirmed, RequestInVehicle, true},
		{RequestConfirmed, RequestCompleted, true},
		{RequestConfirmed, RequestCancelled, true},
		{RequestInVehicle, RequestCompleted, true},
		{RequestInVehicle, RequestConfirmed, false},
		{RequestCompleted, RequestCancelled, false},
		{RequestRejected, RequestConfirmed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []RideStatus{RideCompleted, RideCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RideStatus{RidePending, RideOngoing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOccupying(t *testing.T) {
	occupying := map[RequestStatus]bool{
		RequestPending:   false,
		RequestConfirmed: true,
		RequestInVehicle: true,
		RequestCompleted: false,
		RequestRejected:  false,
		RequestCancelled: false,
	}
	for s, want := range occupying {
		if got := s.Occupying(); got != want {
			t.Errorf("%s.Occupying() = %v, want %v", s, got, want)
		}
	}
}

func TestCoordValid(t *testing.T) {
	cases := []struct {
		c    Coord
		want bool
	}{
		{Coord{0, 0}, true},
		{Coord{90, 180}, true},
		{Coord{-90, -180}, true},
		{Coord{90.01, 0}, false},
		{Coord{0, -180.5}, false},
	}
	for _, c := range cases {
		if got := c.c.Valid(); got != c.want {
			t.Errorf("Valid(%v) = %v, want %v", c.c, got, c.want)
		}
	}
}
