package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

// PostgresStore implements Store on database/sql + lib/pq. Route polylines
// are kept as JSON; proximity filtering happens in the geo package, so no
// PostGIS is required.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users(id, name, email, vehicle_model, vehicle_number,
			rating_as_driver, rating_as_passenger,
			completed_as_driver, completed_as_passenger, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Name, u.Email, u.VehicleModel, u.VehicleNumber,
		u.RatingAsDriver, u.RatingAsPassenger,
		u.CompletedAsDriver, u.CompletedAsPassenger, u.CreatedAt)
	return err
}

func (p *PostgresStore) User(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, vehicle_model, vehicle_number,
			rating_as_driver, rating_as_passenger,
			completed_as_driver, completed_as_passenger, created_at
		FROM users WHERE id=$1`, id).Scan(
		&u.ID, &u.Name, &u.Email, &u.VehicleModel, &u.VehicleNumber,
		&u.RatingAsDriver, &u.RatingAsPassenger,
		&u.CompletedAsDriver, &u.CompletedAsPassenger, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (p *PostgresStore) UpdateUser(ctx context.Context, u *models.User) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET name=$1, vehicle_model=$2, vehicle_number=$3,
			rating_as_driver=$4, rating_as_passenger=$5,
			completed_as_driver=$6, completed_as_passenger=$7
		WHERE id=$8`,
		u.Name, u.VehicleModel, u.VehicleNumber,
		u.RatingAsDriver, u.RatingAsPassenger,
		u.CompletedAsDriver, u.CompletedAsPassenger, u.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rides(id, driver_id, start_location, end_location,
			start_lat, start_lon, end_lat, end_lon, route,
			start_time, capacity, available_seats, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.DriverID, r.StartLocation, r.EndLocation,
		r.StartPoint.Lat, r.StartPoint.Lon, r.EndPoint.Lat, r.EndPoint.Lon, route,
		r.StartTime, r.Capacity, r.AvailableSeats, string(r.Status), r.CreatedAt)
	return err
}

const rideColumns = `id, driver_id, start_location, end_location,
	start_lat, start_lon, end_lat, end_lon, route,
	start_time, capacity, available_seats, status, created_at`

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	r := &models.Ride{}
	var route []byte
	var status string
	err := row.Scan(&r.ID, &r.DriverID, &r.StartLocation, &r.EndLocation,
		&r.StartPoint.Lat, &r.StartPoint.Lon, &r.EndPoint.Lat, &r.EndPoint.Lon, &route,
		&r.StartTime, &r.Capacity, &r.AvailableSeats, &status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	if len(route) > 0 {
		if err := json.Unmarshal(route, &r.Route); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (p *PostgresStore) Ride(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET start_location=$1, end_location=$2,
			start_lat=$3, start_lon=$4, end_lat=$5, end_lon=$6, route=$7,
			start_time=$8, capacity=$9, available_seats=$10, status=$11
		WHERE id=$12`,
		r.StartLocation, r.EndLocation,
		r.StartPoint.Lat, r.StartPoint.Lon, r.EndPoint.Lat, r.EndPoint.Lon, route,
		r.StartTime, r.Capacity, r.AvailableSeats, string(r.Status), r.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) UpdateRidePoint(ctx context.Context, rideID string, pt models.Coord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET start_lat=$1, start_lon=$2 WHERE id=$3`,
		pt.Lat, pt.Lon, rideID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) PendingRides(ctx context.Context, minSeats int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status='PENDING' AND available_seats >= $1
		ORDER BY start_time, id`, minSeats)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (p *PostgresStore) RidesByDriver(ctx context.Context, driverID string, statuses ...models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY start_time, id`, driverID, pq.Array(rideStatusStrings(statuses)))
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (p *PostgresStore) RidesByPassenger(ctx context.Context, passengerID string, statuses ...models.RequestStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (r.id) `+prefixedRideColumns+` FROM rides r
		JOIN ride_requests q ON q.ride_id = r.id
		WHERE q.passenger_id=$1 AND (cardinality($2::text[]) = 0 OR q.status = ANY($2))
		ORDER BY r.id`, passengerID, pq.Array(requestStatusStrings(statuses)))
	if err != nil {
		return nil, err
	}
	out, err := collectRides(rows)
	if err != nil {
		return nil, err
	}
	sortRides(out)
	return out, nil
}

const prefixedRideColumns = `r.id, r.driver_id, r.start_location, r.end_location,
	r.start_lat, r.start_lon, r.end_lat, r.end_lon, r.route,
	r.start_time, r.capacity, r.available_seats, r.status, r.created_at`

func collectRides(rows *sql.Rows) ([]*models.Ride, error) {
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_requests(id, passenger_id, ride_id,
			pickup_location, dropoff_location,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			seats_needed, status, payment_completed, payment_intent_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		req.ID, req.PassengerID, req.RideID,
		req.PickupLocation, req.DropoffLocation,
		req.PickupPoint.Lat, req.PickupPoint.Lon, req.DropoffPoint.Lat, req.DropoffPoint.Lon,
		req.SeatsNeeded, string(req.Status), req.PaymentCompleted, req.PaymentIntentID, req.CreatedAt)
	return err
}

const requestColumns = `id, passenger_id, ride_id, pickup_location, dropoff_location,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	seats_needed, status, payment_completed, payment_intent_id, created_at`

func scanRequest(row interface{ Scan(...any) error }) (*models.RideRequest, error) {
	req := &models.RideRequest{}
	var status string
	err := row.Scan(&req.ID, &req.PassengerID, &req.RideID,
		&req.PickupLocation, &req.DropoffLocation,
		&req.PickupPoint.Lat, &req.PickupPoint.Lon, &req.DropoffPoint.Lat, &req.DropoffPoint.Lon,
		&req.SeatsNeeded, &status, &req.PaymentCompleted, &req.PaymentIntentID, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.Status = models.RequestStatus(status)
	return req, nil
}

func (p *PostgresStore) Request(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, req *models.RideRequest) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests SET status=$1, payment_completed=$2, payment_intent_id=$3 WHERE id=$4`,
		string(req.Status), req.PaymentCompleted, req.PaymentIntentID, req.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) RequestsByRide(ctx context.Context, rideID string, statuses ...models.RequestStatus) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM ride_requests
		WHERE ride_id=$1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at, id`, rideID, pq.Array(requestStatusStrings(statuses)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.RideRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RequestByPassenger(ctx context.Context, rideID, passengerID string, statuses ...models.RequestStatus) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM ride_requests
		WHERE ride_id=$1 AND passenger_id=$2
			AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		rideID, passengerID, pq.Array(requestStatusStrings(statuses)))
	return scanRequest(row)
}

func (p *PostgresStore) HasPendingRequest(ctx context.Context, passengerID, rideID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ride_requests
		WHERE passenger_id=$1 AND ride_id=$2 AND status='PENDING'`,
		passengerID, rideID).Scan(&n)
	return n > 0, err
}

// ConfirmRequest runs the conditional seat decrement in one transaction.
// The WHERE available_seats >= $1 guard is what makes concurrent accepts
// safe: the second one affects zero rows and rolls back.
func (p *PostgresStore) ConfirmRequest(ctx context.Context, requestID string, seats int) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var rideID string
	err = tx.QueryRowContext(ctx,
		`SELECT ride_id FROM ride_requests WHERE id=$1`, requestID).Scan(&rideID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		UPDATE rides SET available_seats = available_seats - $1
		WHERE id=$2 AND available_seats >= $1
		RETURNING available_seats`, seats, rideID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// not enough seats; report how many are left
		var left int
		if qerr := tx.QueryRowContext(ctx,
			`SELECT available_seats FROM rides WHERE id=$1`, rideID).Scan(&left); qerr == nil {
			return left, ErrInsufficientSeats
		}
		return 0, ErrInsufficientSeats
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ride_requests SET status='CONFIRMED' WHERE id=$1`, requestID); err != nil {
		return 0, err
	}
	return remaining, tx.Commit()
}

// CloseRide writes the ride status and the request cascade in one
// transaction so a crash can never leave requests CONFIRMED on a closed
// ride.
func (p *PostgresStore) CloseRide(ctx context.Context, rideID string, status models.RideStatus) ([]*models.RideRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE rides SET status=$1 WHERE id=$2`, string(status), rideID)
	if err != nil {
		return nil, err
	}
	if err := checkAffected(res); err != nil {
		return nil, err
	}

	target := models.RequestCompleted
	if status == models.RideCancelled {
		target = models.RequestCancelled
	}
	rows, err := tx.QueryContext(ctx, `
		UPDATE ride_requests SET status=$1
		WHERE ride_id=$2 AND status IN ('CONFIRMED','IN_VEHICLE')
		RETURNING `+requestColumns, string(target), rideID)
	if err != nil {
		return nil, err
	}
	swept := make([]*models.RideRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		swept = append(swept, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	sortRequests(swept)

	if status == models.RideCompleted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET completed_as_driver = completed_as_driver + 1
			WHERE id = (SELECT driver_id FROM rides WHERE id=$1)`, rideID); err != nil {
			return nil, err
		}
		for _, req := range swept {
			if _, err := tx.ExecContext(ctx, `
				UPDATE users SET completed_as_passenger = completed_as_passenger + 1
				WHERE id=$1`, req.PassengerID); err != nil {
				return nil, err
			}
		}
	}
	return swept, tx.Commit()
}

func (p *PostgresStore) CreateRating(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings(id, ride_id, from_user, to_user, score, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		r.ID, r.RideID, r.FromUser, r.ToUser, r.Score, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateRating
	}
	return err
}

func (p *PostgresStore) HasRating(ctx context.Context, rideID, fromUser, toUser string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ratings
		WHERE ride_id=$1 AND from_user=$2 AND to_user=$3`,
		rideID, fromUser, toUser).Scan(&n)
	return n > 0, err
}

func (p *PostgresStore) AppendChatMessage(ctx context.Context, m *models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages(id, ride_id, sender_id, receiver_id, message, ts)
		VALUES($1,$2,$3,$4,$5,$6)`,
		m.ID, m.RideID, m.SenderID, m.ReceiverID, m.Text, m.Timestamp)
	return err
}

func (p *PostgresStore) ChatHistory(ctx context.Context, rideID, userA, userB string) ([]*models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ride_id, sender_id, receiver_id, message, ts FROM chat_messages
		WHERE ride_id=$1 AND ((sender_id=$2 AND receiver_id=$3) OR (sender_id=$3 AND receiver_id=$2))
		ORDER BY ts, id`, rideID, userA, userB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ChatMessage, 0)
	for rows.Next() {
		m := &models.ChatMessage{}
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func rideStatusStrings(statuses []models.RideStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func requestStatusStrings(statuses []models.RequestStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
