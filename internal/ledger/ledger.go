package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Ledger is the only component that mutates ride and request statuses and
// the available-seats counter. Every mutating path is serialized per ride
// through rideLocks; the store's composite operations add a second guard
// (conditional update / transaction) underneath.
type Ledger struct {
	store storage.Store
	locks rideLocks
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// rideLocks hands out one mutex per ride id. Entries are never removed;
// rides are few and small compared to connections.
type rideLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *rideLocks) get(rideID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	if _, ok := l.m[rideID]; !ok {
		l.m[rideID] = &sync.Mutex{}
	}
	return l.m[rideID]
}

type CreateRideInput struct {
	StartLocation string         `json:"start_location"`
	EndLocation   string         `json:"end_location"`
	StartPoint    models.Coord   `json:"start_point"`
	EndPoint      models.Coord   `json:"end_point"`
	Route         []models.Coord `json:"route,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	Seats         int            `json:"available_seats"`
}

func (l *Ledger) CreateRide(ctx context.Context, ident auth.Identity, in CreateRideInput) (*models.Ride, error) {
	if !ident.DriverVerified {
		return nil, fmt.Errorf("only verified drivers can create rides: %w", ErrUnauthorized)
	}
	if in.Seats < 1 || in.Seats > 8 {
		return nil, fmt.Errorf("seats must be 1..8: %w", ErrInvalidArgument)
	}
	if !in.StartPoint.Valid() || !in.EndPoint.Valid() {
		return nil, fmt.Errorf("ride endpoints outside WGS84 bounds: %w", ErrInvalidArgument)
	}
	if err := l.ensureUser(ctx, ident); err != nil {
		return nil, err
	}
	ride := &models.Ride{
		ID:             newID(),
		DriverID:       ident.UserID,
		StartLocation:  in.StartLocation,
		EndLocation:    in.EndLocation,
		StartPoint:     in.StartPoint,
		EndPoint:       in.EndPoint,
		Route:          in.Route,
		StartTime:      in.StartTime,
		Capacity:       in.Seats,
		AvailableSeats: in.Seats,
		Status:         models.RidePending,
		CreatedAt:      time.Now(),
	}
	if err := l.store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	return ride, nil
}

type RequestInput struct {
	PickupLocation  string       `json:"pickup_location"`
	DropoffLocation string       `json:"dropoff_location"`
	PickupPoint     models.Coord `json:"pickup_point"`
	DropoffPoint    models.Coord `json:"dropoff_point"`
	SeatsNeeded     int          `json:"seats_needed"`
}

func (l *Ledger) SubmitRequest(ctx context.Context, ident auth.Identity, rideID string, in RequestInput) (*models.RideRequest, error) {
	if in.SeatsNeeded < 1 || in.SeatsNeeded > 8 {
		return nil, fmt.Errorf("seats_needed must be 1..8: %w", ErrInvalidArgument)
	}
	if !in.PickupPoint.Valid() || !in.DropoffPoint.Valid() {
		return nil, fmt.Errorf("request points outside WGS84 bounds: %w", ErrInvalidArgument)
	}
	mu := l.locks.get(rideID)
	mu.Lock()
	defer mu.Unlock()

	ride, err := l.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RidePending {
		return nil, ErrRideNotJoinable
	}
	// advisory; the accept path re-checks under the same lock
	if in.SeatsNeeded > ride.AvailableSeats {
		return nil, fmt.Errorf("only %d seats available: %w", ride.AvailableSeats, ErrCapacityExceeded)
	}
	dup, err := l.store.HasPendingRequest(ctx, ident.UserID, rideID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, ErrDuplicatePendingRequest
	}
	if err := l.ensureUser(ctx, ident); err != nil {
		return nil, err
	}
	req := &models.RideRequest{
		ID:              newID(),
		PassengerID:     ident.UserID,
		RideID:          rideID,
		PickupLocation:  in.PickupLocation,
		DropoffLocation: in.DropoffLocation,
		PickupPoint:     in.PickupPoint,
		DropoffPoint:    in.DropoffPoint,
		SeatsNeeded:     in.SeatsNeeded,
		Status:          models.RequestPending,
		CreatedAt:       time.Now(),
	}
	if err := l.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	observability.RequestsSubmitted.Inc()
	return req, nil
}

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// DecideRequest applies the driver's accept/reject. The accept path is the
// one place where a race would oversell seats, so the capacity check is
// authoritative here, under the ride lock, not at submission time.
// Returns the seats remaining on the ride after the decision.
func (l *Ledger) DecideRequest(ctx context.Context, ident auth.Identity, requestID string, decision Decision) (int, error) {
	if decision != DecisionAccept && decision != DecisionReject {
		return 0, fmt.Errorf("decision must be accept or reject: %w", ErrInvalidArgument)
	}
	req, err := l.store.Request(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	mu := l.locks.get(req.RideID)
	mu.Lock()
	defer mu.Unlock()

	// re-read both sides under the lock
	req, err = l.store.Request(ctx, requestID)
	if err != nil {
		return 0, err
	}
	ride, err := l.store.Ride(ctx, req.RideID)
	if err != nil {
		return 0, err
	}
	if ride.DriverID != ident.UserID {
		return 0, fmt.Errorf("only the ride's driver can manage requests: %w", ErrForbidden)
	}
	if req.Status != models.RequestPending {
		return 0, fmt.Errorf("request is %s: %w", req.Status, ErrInvalidTransition)
	}

	if decision == DecisionReject {
		req.Status = models.RequestRejected
		if err := l.store.UpdateRequest(ctx, req); err != nil {
			return 0, err
		}
		return ride.AvailableSeats, nil
	}

	remaining, err := l.store.ConfirmRequest(ctx, requestID, req.SeatsNeeded)
	if errors.Is(err, storage.ErrInsufficientSeats) {
		return remaining, fmt.Errorf("only %d seats available: %w", remaining, ErrCapacityExceeded)
	}
	if err != nil {
		return 0, err
	}
	observability.SeatsConfirmed.Add(float64(req.SeatsNeeded))
	return remaining, nil
}

// UpdateRideStatus moves the ride along PENDING -> ONGOING -> COMPLETED,
// or to CANCELLED from either non-terminal state. Closing statuses sweep
// every seat-holding request in the same store transaction and return the
// swept requests.
func (l *Ledger) UpdateRideStatus(ctx context.Context, ident auth.Identity, rideID string, next models.RideStatus) ([]*models.RideRequest, error) {
	if next != models.RideOngoing && next != models.RideCompleted && next != models.RideCancelled {
		return nil, fmt.Errorf("status must be ONGOING, COMPLETED or CANCELLED: %w", ErrInvalidArgument)
	}
	mu := l.locks.get(rideID)
	mu.Lock()
	defer mu.Unlock()

	ride, err := l.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ride.DriverID != ident.UserID {
		return nil, fmt.Errorf("only the ride's driver can update its status: %w", ErrForbidden)
	}
	if !ride.Status.CanTransition(next) {
		return nil, fmt.Errorf("cannot move ride from %s to %s: %w", ride.Status, next, ErrInvalidTransition)
	}

	if next == models.RideOngoing {
		ride.Status = models.RideOngoing
		if err := l.store.UpdateRide(ctx, ride); err != nil {
			return nil, err
		}
		return nil, nil
	}
	swept, err := l.store.CloseRide(ctx, rideID, next)
	if err != nil {
		return nil, err
	}
	if next == models.RideCompleted {
		observability.RidesCompleted.Inc()
	}
	return swept, nil
}

// UpdatePassengerStatus lets a passenger mark their confirmed request as
// boarded. IN_VEHICLE is the only transition a passenger may drive.
func (l *Ledger) UpdatePassengerStatus(ctx context.Context, ident auth.Identity, requestID string, next models.RequestStatus) (*models.RideRequest, error) {
	if next != models.RequestInVehicle {
		return nil, fmt.Errorf("status must be IN_VEHICLE: %w", ErrInvalidArgument)
	}
	req, err := l.store.Request(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.PassengerID != ident.UserID {
		return nil, ErrNotFound // do not leak other passengers' requests
	}

	mu := l.locks.get(req.RideID)
	mu.Lock()
	defer mu.Unlock()

	req, err = l.store.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestConfirmed {
		return nil, fmt.Errorf("request is %s, boarding needs CONFIRMED: %w", req.Status, ErrInvalidTransition)
	}
	req.Status = models.RequestInVehicle
	if err := l.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// CompletePayment flips the set-once payment flag on the passenger's own
// COMPLETED request.
func (l *Ledger) CompletePayment(ctx context.Context, ident auth.Identity, requestID string) (*models.RideRequest, error) {
	req, err := l.store.Request(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.PassengerID != ident.UserID {
		return nil, ErrNotFound
	}

	mu := l.locks.get(req.RideID)
	mu.Lock()
	defer mu.Unlock()

	req, err = l.store.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestCompleted {
		return nil, ErrPaymentNotReady
	}
	if req.PaymentCompleted {
		return nil, ErrAlreadyPaid
	}
	req.PaymentCompleted = true
	if err := l.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// PendingRequests lists a ride's PENDING requests for its driver.
func (l *Ledger) PendingRequests(ctx context.Context, ident auth.Identity, rideID string) ([]*models.RideRequest, error) {
	ride, err := l.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ride.DriverID != ident.UserID {
		return nil, fmt.Errorf("only the ride's driver can list requests: %w", ErrForbidden)
	}
	return l.store.RequestsByRide(ctx, rideID, models.RequestPending)
}

// RideForParticipant returns the ride and its non-pending requests if the
// caller is the driver or has a request on it; otherwise ErrNotFound,
// whether or not the ride exists.
func (l *Ledger) RideForParticipant(ctx context.Context, ident auth.Identity, rideID string) (*models.Ride, []*models.RideRequest, error) {
	ride, err := l.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if ride.DriverID != ident.UserID {
		if _, err := l.store.RequestByPassenger(ctx, rideID, ident.UserID); err != nil {
			return nil, nil, ErrNotFound
		}
	}
	reqs, err := l.store.RequestsByRide(ctx, rideID,
		models.RequestConfirmed, models.RequestInVehicle, models.RequestCompleted)
	if err != nil {
		return nil, nil, err
	}
	return ride, reqs, nil
}

// History lists the caller's finished rides on both sides of the ledger.
func (l *Ledger) History(ctx context.Context, ident auth.Identity) (asDriver, asPassenger []*models.Ride, err error) {
	asDriver, err = l.store.RidesByDriver(ctx, ident.UserID, models.RideCompleted, models.RideCancelled)
	if err != nil {
		return nil, nil, err
	}
	asPassenger, err = l.store.RidesByPassenger(ctx, ident.UserID, models.RequestCompleted, models.RequestCancelled)
	if err != nil {
		return nil, nil, err
	}
	return asDriver, asPassenger, nil
}

// ensureUser keeps a stats record for every identity the ledger sees.
// CreateUser is an upsert that never overwrites existing stats.
func (l *Ledger) ensureUser(ctx context.Context, ident auth.Identity) error {
	if _, err := l.store.User(ctx, ident.UserID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return l.store.CreateUser(ctx, &models.User{
		ID:        ident.UserID,
		Name:      ident.Name,
		Email:     ident.Email,
		CreatedAt: time.Now(),
	})
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
