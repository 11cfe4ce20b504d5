package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/carpool/internal/models"
)

// MemoryStore is the in-process Store used for tests and for running the
// server without Postgres. It keeps values, not pointers, so callers can
// never mutate ledger state behind its back.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]models.User
	rides    map[string]models.Ride
	requests map[string]models.RideRequest
	ratings  map[string]models.Rating
	chat     []models.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]models.User),
		rides:    make(map[string]models.Ride),
		requests: make(map[string]models.RideRequest),
		ratings:  make(map[string]models.Rating),
	}
}

func cloneRide(r models.Ride) *models.Ride {
	out := r
	if r.Route != nil {
		out.Route = append([]models.Coord(nil), r.Route...)
	}
	return &out
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) User(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *cloneRide(*r)
	return nil
}

func (m *MemoryStore) Ride(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = *cloneRide(*r)
	return nil
}

func (m *MemoryStore) UpdateRidePoint(ctx context.Context, rideID string, p models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	r.StartPoint = p
	m.rides[rideID] = r
	return nil
}

func (m *MemoryStore) PendingRides(ctx context.Context, minSeats int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.RidePending && r.AvailableSeats >= minSeats {
			out = append(out, cloneRide(r))
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) RidesByDriver(ctx context.Context, driverID string, statuses ...models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.DriverID == driverID && rideStatusIn(r.Status, statuses) {
			out = append(out, cloneRide(r))
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) RidesByPassenger(ctx context.Context, passengerID string, statuses ...models.RequestStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]*models.Ride, 0)
	for _, req := range m.requests {
		if req.PassengerID != passengerID || !requestStatusIn(req.Status, statuses) {
			continue
		}
		if seen[req.RideID] {
			continue
		}
		seen[req.RideID] = true
		if r, ok := m.rides[req.RideID]; ok {
			out = append(out, cloneRide(r))
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) Request(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := req
	return &out, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return ErrNotFound
	}
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) RequestsByRide(ctx context.Context, rideID string, statuses ...models.RequestStatus) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, req := range m.requests {
		if req.RideID == rideID && requestStatusIn(req.Status, statuses) {
			r := req
			out = append(out, &r)
		}
	}
	sortRequests(out)
	return out, nil
}

func (m *MemoryStore) RequestByPassenger(ctx context.Context, rideID, passengerID string, statuses ...models.RequestStatus) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.RideRequest
	for _, req := range m.requests {
		if req.RideID == rideID && req.PassengerID == passengerID && requestStatusIn(req.Status, statuses) {
			r := req
			// prefer the most recent request for the pair
			if found == nil || r.CreatedAt.After(found.CreatedAt) {
				found = &r
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *MemoryStore) HasPendingRequest(ctx context.Context, passengerID, rideID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.requests {
		if req.PassengerID == passengerID && req.RideID == rideID && req.Status == models.RequestPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ConfirmRequest(ctx context.Context, requestID string, seats int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return 0, ErrNotFound
	}
	ride, ok := m.rides[req.RideID]
	if !ok {
		return 0, ErrNotFound
	}
	if ride.AvailableSeats < seats {
		return ride.AvailableSeats, ErrInsufficientSeats
	}
	req.Status = models.RequestConfirmed
	ride.AvailableSeats -= seats
	m.requests[requestID] = req
	m.rides[ride.ID] = ride
	return ride.AvailableSeats, nil
}

func (m *MemoryStore) CloseRide(ctx context.Context, rideID string, status models.RideStatus) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	ride.Status = status
	m.rides[rideID] = ride

	target := models.RequestCompleted
	if status == models.RideCancelled {
		target = models.RequestCancelled
	}
	swept := make([]*models.RideRequest, 0)
	for id, req := range m.requests {
		if req.RideID != rideID || !req.Status.Occupying() {
			continue
		}
		req.Status = target
		m.requests[id] = req
		r := req
		swept = append(swept, &r)
	}
	sortRequests(swept)

	if status == models.RideCompleted {
		if driver, ok := m.users[ride.DriverID]; ok {
			driver.CompletedAsDriver++
			m.users[driver.ID] = driver
		}
		for _, req := range swept {
			if p, ok := m.users[req.PassengerID]; ok {
				p.CompletedAsPassenger++
				m.users[p.ID] = p
			}
		}
	}
	return swept, nil
}

func (m *MemoryStore) CreateRating(ctx context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.RideID + "|" + r.FromUser + "|" + r.ToUser
	if _, ok := m.ratings[key]; ok {
		return ErrDuplicateRating
	}
	m.ratings[key] = *r
	return nil
}

func (m *MemoryStore) HasRating(ctx context.Context, rideID, fromUser, toUser string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ratings[rideID+"|"+fromUser+"|"+toUser]
	return ok, nil
}

func (m *MemoryStore) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = append(m.chat, *msg)
	return nil
}

func (m *MemoryStore) ChatHistory(ctx context.Context, rideID, userA, userB string) ([]*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ChatMessage, 0)
	for _, msg := range m.chat {
		if msg.RideID != rideID {
			continue
		}
		pair := (msg.SenderID == userA && msg.ReceiverID == userB) ||
			(msg.SenderID == userB && msg.ReceiverID == userA)
		if pair {
			c := msg
			out = append(out, &c)
		}
	}
	// chat slice is append-only, so it is already timestamp-ordered
	return out, nil
}

func sortRides(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		if rides[i].StartTime.Equal(rides[j].StartTime) {
			return rides[i].ID < rides[j].ID
		}
		return rides[i].StartTime.Before(rides[j].StartTime)
	})
}

func sortRequests(reqs []*models.RideRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

func rideStatusIn(s models.RideStatus, set []models.RideStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func requestStatusIn(s models.RequestStatus, set []models.RequestStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
