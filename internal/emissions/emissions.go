package emissions

import (
	"context"
	"errors"
	"math"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
)

// EmissionFactorGPerKm is the average per-car CO2 emission used for the
// savings estimate.
const EmissionFactorGPerKm = 411

// ErrNotFound doubles for missing rides and rides the caller was never
// part of, so existence is not leaked.
var ErrNotFound = errors.New("ride not found")

type Calculator struct {
	store  storage.Store
	routes routing.Source // optional road-distance source
}

func NewCalculator(store storage.Store, routes routing.Source) *Calculator {
	return &Calculator{store: store, routes: routes}
}

type Savings struct {
	RideID            string    `json:"ride_id"`
	DistanceKm        float64   `json:"distance_km"`
	TotalParticipants int       `json:"total_participants"`
	CarbonSavingsKg   float64   `json:"carbon_savings_kg"`
	Breakdown         Breakdown `json:"calculation_breakdown"`
}

type Breakdown struct {
	DistanceKm           float64 `json:"distance_km"`
	EmissionFactorGPerKm int     `json:"emission_factor_g_per_km"`
	ConfirmedPassengers  int     `json:"confirmed_passengers"`
	CarsSaved            int     `json:"cars_saved"`
	TotalSavedKg         float64 `json:"total_emissions_saved_kg"`
}

// EstimateSavings derives the shared-trip carbon estimate for the driver
// or for a passenger whose request completed. Only COMPLETED requests
// count: the estimate reflects trips that actually happened.
func (c *Calculator) EstimateSavings(ctx context.Context, ident auth.Identity, rideID string) (*Savings, error) {
	ride, err := c.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ride.DriverID != ident.UserID {
		if _, err := c.store.RequestByPassenger(ctx, rideID, ident.UserID, models.RequestCompleted); err != nil {
			return nil, ErrNotFound
		}
	}

	completed, err := c.store.RequestsByRide(ctx, rideID, models.RequestCompleted)
	if err != nil {
		return nil, err
	}
	passengers := 0
	for _, req := range completed {
		passengers += req.SeatsNeeded
	}

	distanceKm := c.rideDistanceKm(ctx, ride)
	savingsKg := round2(distanceKm * EmissionFactorGPerKm * float64(passengers) / 1000)

	return &Savings{
		RideID:            ride.ID,
		DistanceKm:        distanceKm,
		TotalParticipants: passengers + 1,
		CarbonSavingsKg:   savingsKg,
		Breakdown: Breakdown{
			DistanceKm:           distanceKm,
			EmissionFactorGPerKm: EmissionFactorGPerKm,
			ConfirmedPassengers:  passengers,
			CarsSaved:            passengers,
			TotalSavedKg:         savingsKg,
		},
	}, nil
}

// rideDistanceKm prefers road distance from the routing source and falls
// back to the recorded route polyline.
func (c *Calculator) rideDistanceKm(ctx context.Context, ride *models.Ride) float64 {
	if c.routes != nil {
		if km, err := c.routes.RoadKm(ctx, ride.StartPoint, ride.EndPoint); err == nil && km > 0 {
			return round2(km)
		}
	}
	return round2(geo.RouteKm(ride.Route, ride.StartPoint, ride.EndPoint))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
