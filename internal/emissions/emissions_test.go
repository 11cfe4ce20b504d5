package emissions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// fixture: a completed ~111km ride with two completed passenger requests
// holding 3 seats total, plus one rejected request that must not count.
func fixture(t *testing.T) *storage.MemoryStore {
	t.Helper()
	m := storage.NewMemoryStore()
	ctx := context.Background()
	err := m.CreateRide(ctx, &models.Ride{
		ID: "r1", DriverID: "d1",
		StartPoint: models.Coord{Lat: 0, Lon: 0},
		EndPoint:   models.Coord{Lat: 1, Lon: 0},
		Status:     models.RideCompleted,
		StartTime:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	reqs := []*models.RideRequest{
		{ID: "q1", RideID: "r1", PassengerID: "p1", SeatsNeeded: 1, Status: models.RequestCompleted},
		{ID: "q2", RideID: "r1", PassengerID: "p2", SeatsNeeded: 2, Status: models.RequestCompleted},
		{ID: "q3", RideID: "r1", PassengerID: "p3", SeatsNeeded: 1, Status: models.RequestRejected},
	}
	for _, req := range reqs {
		req.CreatedAt = time.Now()
		if err := m.CreateRequest(ctx, req); err != nil {
			t.Fatalf("seed request %s: %v", req.ID, err)
		}
	}
	return m
}

func TestEstimateSavingsFormula(t *testing.T) {
	m := fixture(t)
	c := NewCalculator(m, nil)

	s, err := c.EstimateSavings(context.Background(), auth.Identity{UserID: "d1"}, "r1")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if s.Breakdown.ConfirmedPassengers != 3 {
		t.Fatalf("expected 3 passenger seats, got %d", s.Breakdown.ConfirmedPassengers)
	}
	if s.TotalParticipants != 4 {
		t.Fatalf("expected 4 participants, got %d", s.TotalParticipants)
	}
	want := math.Round(s.DistanceKm*EmissionFactorGPerKm*3) / 1000
	want = math.Round(want*100) / 100
	if math.Abs(s.CarbonSavingsKg-want) > 0.02 {
		t.Fatalf("savings %v, want ~%v (distance %v)", s.CarbonSavingsKg, want, s.DistanceKm)
	}
	if s.Breakdown.TotalSavedKg != s.CarbonSavingsKg {
		t.Fatalf("breakdown disagrees with headline number")
	}
}

func TestEstimateSavingsAccess(t *testing.T) {
	m := fixture(t)
	c := NewCalculator(m, nil)
	ctx := context.Background()

	// a completed passenger may look
	if _, err := c.EstimateSavings(ctx, auth.Identity{UserID: "p1"}, "r1"); err != nil {
		t.Fatalf("completed passenger: %v", err)
	}
	// a rejected passenger and a stranger both see not-found
	for _, id := range []string{"p3", "stranger"} {
		if _, err := c.EstimateSavings(ctx, auth.Identity{UserID: id}, "r1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", id, err)
		}
	}
	if _, err := c.EstimateSavings(ctx, auth.Identity{UserID: "d1"}, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing ride: expected ErrNotFound, got %v", err)
	}
}

func TestEstimateSavingsAccessSurvivesNewerRequest(t *testing.T) {
	m := fixture(t)
	err := m.CreateRequest(context.Background(), &models.RideRequest{
		ID: "q4", RideID: "r1", PassengerID: "p1",
		SeatsNeeded: 1, Status: models.RequestRejected, CreatedAt: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("seed second request: %v", err)
	}
	c := NewCalculator(m, nil)
	if _, err := c.EstimateSavings(context.Background(), auth.Identity{UserID: "p1"}, "r1"); err != nil {
		t.Fatalf("completed passenger with a newer rejected request: %v", err)
	}
}

type fixedRoute struct{ km float64 }

func (f fixedRoute) RoadKm(ctx context.Context, from, to models.Coord) (float64, error) {
	return f.km, nil
}

type failingRoute struct{}

func (failingRoute) RoadKm(ctx context.Context, from, to models.Coord) (float64, error) {
	return 0, fmt.Errorf("router down")
}

func TestEstimateSavingsPrefersRoadDistance(t *testing.T) {
	m := fixture(t)
	c := NewCalculator(m, fixedRoute{km: 120})

	s, err := c.EstimateSavings(context.Background(), auth.Identity{UserID: "d1"}, "r1")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if s.DistanceKm != 120 {
		t.Fatalf("expected road distance 120, got %v", s.DistanceKm)
	}
	// 120km * 411 g/km * 3 seats = 147.96 kg
	if s.CarbonSavingsKg != 147.96 {
		t.Fatalf("expected 147.96 kg, got %v", s.CarbonSavingsKg)
	}
}

func TestEstimateSavingsFallsBackWhenRouterFails(t *testing.T) {
	m := fixture(t)
	c := NewCalculator(m, failingRoute{})

	s, err := c.EstimateSavings(context.Background(), auth.Identity{UserID: "d1"}, "r1")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if math.Abs(s.DistanceKm-111.2) > 0.5 {
		t.Fatalf("expected straight-line fallback ~111.2km, got %v", s.DistanceKm)
	}
}
