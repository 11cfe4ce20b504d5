package storage

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientSeats = errors.New("insufficient seats")
	ErrDuplicateRating   = errors.New("rating already exists")
)

// Store defines persistence for rides, requests, users, ratings and chat.
//
// ConfirmRequest and CloseRide are composite operations: both
// implementations must execute them atomically (a transaction in Postgres,
// the store mutex in memory) because they are the two places where a torn
// write would corrupt the seat ledger.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	User(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error

	CreateRide(ctx context.Context, r *models.Ride) error
	Ride(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
	UpdateRidePoint(ctx context.Context, rideID string, p models.Coord) error
	PendingRides(ctx context.Context, minSeats int) ([]*models.Ride, error)
	RidesByDriver(ctx context.Context, driverID string, statuses ...models.RideStatus) ([]*models.Ride, error)
	RidesByPassenger(ctx context.Context, passengerID string, statuses ...models.RequestStatus) ([]*models.Ride, error)

	CreateRequest(ctx context.Context, req *models.RideRequest) error
	Request(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateRequest(ctx context.Context, req *models.RideRequest) error
	RequestsByRide(ctx context.Context, rideID string, statuses ...models.RequestStatus) ([]*models.RideRequest, error)
	// RequestByPassenger returns the passenger's most recent request on the
	// ride among those matching the given statuses (any status when none
	// are given). A passenger can hold several requests on one ride, so
	// status-sensitive callers must filter here rather than inspect
	// whichever request happens to be newest.
	RequestByPassenger(ctx context.Context, rideID, passengerID string, statuses ...models.RequestStatus) (*models.RideRequest, error)
	HasPendingRequest(ctx context.Context, passengerID, rideID string) (bool, error)

	// ConfirmRequest marks the request CONFIRMED and decrements the ride's
	// available seats by seats, but only if enough seats remain; otherwise
	// it returns ErrInsufficientSeats and changes nothing. Returns the
	// seats remaining after the decrement.
	ConfirmRequest(ctx context.Context, requestID string, seats int) (int, error)

	// CloseRide sets the ride status and sweeps every CONFIRMED or
	// IN_VEHICLE request to the same terminal status. When the status is
	// COMPLETED it also increments the driver's and each swept passenger's
	// completed-trip counter. Returns the swept requests.
	CloseRide(ctx context.Context, rideID string, status models.RideStatus) ([]*models.RideRequest, error)

	CreateRating(ctx context.Context, r *models.Rating) error
	HasRating(ctx context.Context, rideID, fromUser, toUser string) (bool, error)

	AppendChatMessage(ctx context.Context, m *models.ChatMessage) error
	ChatHistory(ctx context.Context, rideID, userA, userB string) ([]*models.ChatMessage, error)
}
