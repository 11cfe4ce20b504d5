package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside the WGS84 envelope.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// User carries the per-user stats the core maintains. Who the caller is
// (and whether their driver licence is verified) comes from the identity
// token, not from this record.
type User struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Email                string    `json:"email"`
	VehicleModel         string    `json:"vehicle_model,omitempty"`
	VehicleNumber        string    `json:"vehicle_number,omitempty"`
	RatingAsDriver       float64   `json:"rating_as_driver"`
	RatingAsPassenger    float64   `json:"rating_as_passenger"`
	CompletedAsDriver    int       `json:"completed_rides_as_driver"`
	CompletedAsPassenger int       `json:"completed_rides_as_passenger"`
	CreatedAt            time.Time `json:"created_at"`
}

type Ride struct {
	ID             string     `json:"id"`
	DriverID       string     `json:"driver_id"`
	StartLocation  string     `json:"start_location"` // human-readable label
	EndLocation    string     `json:"end_location"`
	StartPoint     Coord      `json:"start_point"`
	EndPoint       Coord      `json:"end_point"`
	Route          []Coord    `json:"route,omitempty"` // polyline, WGS84
	StartTime      time.Time  `json:"start_time"`
	Capacity       int        `json:"capacity"` // declared seats, 1..8
	AvailableSeats int        `json:"available_seats"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

type RideRequest struct {
	ID               string        `json:"id"`
	PassengerID      string        `json:"passenger_id"`
	RideID           string        `json:"ride_id"`
	PickupLocation   string        `json:"pickup_location"`
	DropoffLocation  string        `json:"dropoff_location"`
	PickupPoint      Coord         `json:"pickup_point"`
	DropoffPoint     Coord         `json:"dropoff_point"`
	SeatsNeeded      int           `json:"seats_needed"`
	Status           RequestStatus `json:"status"`
	PaymentCompleted bool          `json:"payment_completed"`
	PaymentIntentID  string        `json:"payment_intent_id,omitempty"` // fare hold, set on confirmation
	CreatedAt        time.Time     `json:"created_at"`
}

// Rating is unique per (ride, from, to); the store enforces that.
type Rating struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	FromUser  string    `json:"from_user"`
	ToUser    string    `json:"to_user"`
	Score     int       `json:"score"` // 1..5
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RideID     string    `json:"ride_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}
