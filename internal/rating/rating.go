package rating

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var (
	// ErrNotEligible means the ride or the rater's involvement in it has
	// not completed, or the ratee was never a completed participant.
	ErrNotEligible  = errors.New("not eligible to rate on this ride")
	ErrAlreadyRated = errors.New("already rated")
	ErrInvalidScore = errors.New("score must be 1..5")
)

// Ledger records at most one rating per (ride, rater, ratee) and keeps an
// exponentially weighted average per role on the ratee.
type Ledger struct {
	store storage.Store
	mu    sync.Mutex // serializes the read-modify-write on averages
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// RateDriver lets a passenger whose request completed rate the driver.
func (l *Ledger) RateDriver(ctx context.Context, ident auth.Identity, rideID string, score int) error {
	ride, err := l.completedRide(ctx, rideID)
	if err != nil {
		return err
	}
	if _, err := l.store.RequestByPassenger(ctx, rideID, ident.UserID, models.RequestCompleted); err != nil {
		return ErrNotEligible
	}
	return l.submit(ctx, ride, ident.UserID, ride.DriverID, score, true)
}

// RatePassenger lets the driver rate a passenger whose request completed.
func (l *Ledger) RatePassenger(ctx context.Context, ident auth.Identity, rideID, passengerID string, score int) error {
	ride, err := l.completedRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.DriverID != ident.UserID {
		return ErrNotEligible
	}
	if _, err := l.store.RequestByPassenger(ctx, rideID, passengerID, models.RequestCompleted); err != nil {
		return ErrNotEligible
	}
	return l.submit(ctx, ride, ident.UserID, passengerID, score, false)
}

// UnratedPassengers lists the completed passengers the driver has not yet
// rated on this ride.
func (l *Ledger) UnratedPassengers(ctx context.Context, ident auth.Identity, rideID string) ([]*models.User, error) {
	ride, err := l.completedRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != ident.UserID {
		return nil, ErrNotEligible
	}
	reqs, err := l.store.RequestsByRide(ctx, rideID, models.RequestCompleted)
	if err != nil {
		return nil, err
	}
	out := make([]*models.User, 0, len(reqs))
	seen := make(map[string]bool)
	for _, req := range reqs {
		if seen[req.PassengerID] {
			continue
		}
		seen[req.PassengerID] = true
		rated, err := l.store.HasRating(ctx, rideID, ident.UserID, req.PassengerID)
		if err != nil {
			return nil, err
		}
		if rated {
			continue
		}
		u, err := l.store.User(ctx, req.PassengerID)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (l *Ledger) completedRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := l.store.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotEligible
	}
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideCompleted {
		return nil, ErrNotEligible
	}
	return ride, nil
}

// submit inserts the rating and folds the score into the ratee's rolling
// average for the relevant role: new = 0.7*old + 0.3*score.
func (l *Ledger) submit(ctx context.Context, ride *models.Ride, from, to string, score int, rateeIsDriver bool) error {
	if score < 1 || score > 5 {
		return ErrInvalidScore
	}
	err := l.store.CreateRating(ctx, &models.Rating{
		ID:        newID(),
		RideID:    ride.ID,
		FromUser:  from,
		ToUser:    to,
		Score:     score,
		CreatedAt: time.Now(),
	})
	if errors.Is(err, storage.ErrDuplicateRating) {
		return ErrAlreadyRated
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	user, err := l.store.User(ctx, to)
	if err != nil {
		return fmt.Errorf("load ratee: %w", err)
	}
	if rateeIsDriver {
		user.RatingAsDriver = roll(user.RatingAsDriver, score)
	} else {
		user.RatingAsPassenger = roll(user.RatingAsPassenger, score)
	}
	return l.store.UpdateUser(ctx, user)
}

func roll(old float64, score int) float64 {
	return math.Round((0.7*old+0.3*float64(score))*100) / 100
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
