package auth

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// ErrRideNotFound lets channel endpoints distinguish a missing ride from a
// denied one when picking a close reason.
var ErrRideNotFound = errors.New("ride not found")

// Membership answers channel-join questions. It is consulted on every
// connection attempt and never caches, because a passenger can lose their
// seat mid-ride.
type Membership struct {
	store storage.Store
}

func NewMembership(store storage.Store) *Membership {
	return &Membership{store: store}
}

// CanJoinLocationChannel is true for the ride's driver and for passengers
// whose request currently holds seats (CONFIRMED or IN_VEHICLE).
func (m *Membership) CanJoinLocationChannel(ctx context.Context, userID, rideID string) (bool, error) {
	ride, err := m.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrRideNotFound
	}
	if err != nil {
		return false, err
	}
	if ride.DriverID == userID {
		return true, nil
	}
	return m.occupying(ctx, rideID, userID)
}

// CanJoinChatChannel is true when exactly one of (user, partner) is the
// ride's driver and the other is a seat-holding passenger.
func (m *Membership) CanJoinChatChannel(ctx context.Context, userID, rideID, partnerID string) (bool, error) {
	ride, err := m.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrRideNotFound
	}
	if err != nil {
		return false, err
	}
	userIsDriver := ride.DriverID == userID
	partnerIsDriver := ride.DriverID == partnerID
	if userIsDriver == partnerIsDriver {
		return false, nil
	}
	passengerID := userID
	if userIsDriver {
		passengerID = partnerID
	}
	return m.occupying(ctx, rideID, passengerID)
}

// occupying is true when any of the passenger's requests on the ride
// currently holds seats. A stale or resubmitted request on the same ride
// must not shadow a confirmed one.
func (m *Membership) occupying(ctx context.Context, rideID, passengerID string) (bool, error) {
	_, err := m.store.RequestByPassenger(ctx, rideID, passengerID,
		models.RequestConfirmed, models.RequestInVehicle)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
