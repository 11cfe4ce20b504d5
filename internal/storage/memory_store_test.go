package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
)

func seedRide(t *testing.T, m *MemoryStore, id string, seats int, status models.RideStatus, start time.Time) {
	t.Helper()
	err := m.CreateRide(context.Background(), &models.Ride{
		ID: id, DriverID: "d1", Capacity: seats, AvailableSeats: seats,
		Status: status, StartTime: start,
	})
	if err != nil {
		t.Fatalf("seed ride %s: %v", id, err)
	}
}

func seedRequest(t *testing.T, m *MemoryStore, id, rideID, passenger string, seats int, status models.RequestStatus) {
	t.Helper()
	err := m.CreateRequest(context.Background(), &models.RideRequest{
		ID: id, RideID: rideID, PassengerID: passenger,
		SeatsNeeded: seats, Status: status, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed request %s: %v", id, err)
	}
}

func TestMemoryStoreValueSemantics(t *testing.T) {
	m := NewMemoryStore()
	seedRide(t, m, "r1", 3, models.RidePending, time.Now())

	got, err := m.Ride(context.Background(), "r1")
	if err != nil {
		t.Fatalf("ride: %v", err)
	}
	got.AvailableSeats = 0 // mutating the copy must not leak back

	again, _ := m.Ride(context.Background(), "r1")
	if again.AvailableSeats != 3 {
		t.Fatalf("store state leaked: seats %d", again.AvailableSeats)
	}
}

func TestPendingRidesFilterAndOrder(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedRide(t, m, "later", 3, models.RidePending, base.Add(time.Hour))
	seedRide(t, m, "earlier", 3, models.RidePending, base)
	seedRide(t, m, "ongoing", 3, models.RideOngoing, base)
	seedRide(t, m, "small", 1, models.RidePending, base)

	rides, err := m.PendingRides(context.Background(), 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(rides) != 2 {
		t.Fatalf("expected 2 rides, got %d", len(rides))
	}
	if rides[0].ID != "earlier" || rides[1].ID != "later" {
		t.Fatalf("expected start-time order, got %s then %s", rides[0].ID, rides[1].ID)
	}
}

func TestConfirmRequestDecrementsAtomically(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, "r1", 3, models.RidePending, time.Now())
	seedRequest(t, m, "q1", "r1", "p1", 2, models.RequestPending)
	seedRequest(t, m, "q2", "r1", "p2", 2, models.RequestPending)

	remaining, err := m.ConfirmRequest(ctx, "q1", 2)
	if err != nil {
		t.Fatalf("confirm q1: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", remaining)
	}

	if _, err := m.ConfirmRequest(ctx, "q2", 2); !errors.Is(err, ErrInsufficientSeats) {
		t.Fatalf("expected ErrInsufficientSeats, got %v", err)
	}
	// the failed confirm must change nothing
	q2, _ := m.Request(ctx, "q2")
	if q2.Status != models.RequestPending {
		t.Fatalf("q2 must stay PENDING, got %s", q2.Status)
	}
	ride, _ := m.Ride(ctx, "r1")
	if ride.AvailableSeats != 1 {
		t.Fatalf("expected 1 seat, got %d", ride.AvailableSeats)
	}
}

func TestCloseRideSweepsAndCounts(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateUser(ctx, &models.User{ID: "d1"}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	if err := m.CreateUser(ctx, &models.User{ID: "p1"}); err != nil {
		t.Fatalf("seed passenger: %v", err)
	}
	seedRide(t, m, "r1", 3, models.RideOngoing, time.Now())
	seedRequest(t, m, "q1", "r1", "p1", 1, models.RequestInVehicle)
	seedRequest(t, m, "q2", "r1", "p2", 1, models.RequestRejected)

	swept, err := m.CloseRide(ctx, "r1", models.RideCompleted)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != "q1" {
		t.Fatalf("expected q1 swept, got %v", swept)
	}
	ride, _ := m.Ride(ctx, "r1")
	if ride.Status != models.RideCompleted {
		t.Fatalf("ride status %s", ride.Status)
	}
	q1, _ := m.Request(ctx, "q1")
	if q1.Status != models.RequestCompleted {
		t.Fatalf("q1 status %s", q1.Status)
	}
	d, _ := m.User(ctx, "d1")
	p, _ := m.User(ctx, "p1")
	if d.CompletedAsDriver != 1 || p.CompletedAsPassenger != 1 {
		t.Fatalf("counters driver=%d passenger=%d", d.CompletedAsDriver, p.CompletedAsPassenger)
	}
}

func TestDuplicateRating(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := &models.Rating{ID: "x1", RideID: "r1", FromUser: "a", ToUser: "b", Score: 5}
	if err := m.CreateRating(ctx, r); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	dup := &models.Rating{ID: "x2", RideID: "r1", FromUser: "a", ToUser: "b", Score: 1}
	if err := m.CreateRating(ctx, dup); !errors.Is(err, ErrDuplicateRating) {
		t.Fatalf("expected ErrDuplicateRating, got %v", err)
	}
	// same pair on another ride is fine
	other := &models.Rating{ID: "x3", RideID: "r2", FromUser: "a", ToUser: "b", Score: 4}
	if err := m.CreateRating(ctx, other); err != nil {
		t.Fatalf("other ride: %v", err)
	}
	ok, err := m.HasRating(ctx, "r1", "a", "b")
	if err != nil || !ok {
		t.Fatalf("HasRating = %v, %v", ok, err)
	}
	ok, _ = m.HasRating(ctx, "r1", "b", "a")
	if ok {
		t.Fatalf("reverse direction must not count")
	}
}

func TestHasPendingRequest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRequest(t, m, "q1", "r1", "p1", 1, models.RequestRejected)
	ok, err := m.HasPendingRequest(ctx, "p1", "r1")
	if err != nil || ok {
		t.Fatalf("rejected request must not count: %v %v", ok, err)
	}
	seedRequest(t, m, "q2", "r1", "p1", 1, models.RequestPending)
	ok, _ = m.HasPendingRequest(ctx, "p1", "r1")
	if !ok {
		t.Fatalf("expected pending request to count")
	}
}

func TestRequestByPassengerStatusFilter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	older := &models.RideRequest{
		ID: "q1", RideID: "r1", PassengerID: "p1",
		SeatsNeeded: 1, Status: models.RequestConfirmed, CreatedAt: time.Now(),
	}
	newer := &models.RideRequest{
		ID: "q2", RideID: "r1", PassengerID: "p1",
		SeatsNeeded: 1, Status: models.RequestPending, CreatedAt: time.Now().Add(time.Minute),
	}
	for _, req := range []*models.RideRequest{older, newer} {
		if err := m.CreateRequest(ctx, req); err != nil {
			t.Fatalf("seed %s: %v", req.ID, err)
		}
	}

	// no filter: newest request wins
	got, err := m.RequestByPassenger(ctx, "r1", "p1")
	if err != nil {
		t.Fatalf("unfiltered: %v", err)
	}
	if got.ID != "q2" {
		t.Fatalf("expected newest request q2, got %s", got.ID)
	}

	// filtered: the older confirmed one is still reachable
	got, err = m.RequestByPassenger(ctx, "r1", "p1", models.RequestConfirmed, models.RequestInVehicle)
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if got.ID != "q1" {
		t.Fatalf("expected confirmed request q1, got %s", got.ID)
	}

	if _, err := m.RequestByPassenger(ctx, "r1", "p1", models.RequestCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent status, got %v", err)
	}
}

func TestChatHistoryScopedToPair(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	msgs := []*models.ChatMessage{
		{ID: "m1", RideID: "r1", SenderID: "a", ReceiverID: "b", Text: "hi", Timestamp: time.Now()},
		{ID: "m2", RideID: "r1", SenderID: "b", ReceiverID: "a", Text: "yo", Timestamp: time.Now().Add(time.Second)},
		{ID: "m3", RideID: "r1", SenderID: "a", ReceiverID: "c", Text: "hey", Timestamp: time.Now()},
		{ID: "m4", RideID: "r2", SenderID: "a", ReceiverID: "b", Text: "other", Timestamp: time.Now()},
	}
	for _, msg := range msgs {
		if err := m.AppendChatMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", msg.ID, err)
		}
	}
	got, err := m.ChatHistory(ctx, "r1", "a", "b")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("expected m1,m2 in order, got %d messages", len(got))
	}
}
