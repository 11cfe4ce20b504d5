package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/config"
)

func newTestServer(t *testing.T) (*Server, *auth.Verifier) {
	t.Helper()
	cfg := config.ServerConfig{
		JWTSecret:      "handlers-test-secret",
		SearchPageSize: 10,
		HubSendBuffer:  8,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s, auth.NewVerifier(cfg.JWTSecret)
}

func bearer(t *testing.T, v *auth.Verifier, userID string, driverVerified bool) string {
	t.Helper()
	tok, err := v.Sign(auth.Identity{UserID: userID, Name: "u-" + userID, DriverVerified: driverVerified}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAPIRequiresCredential(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/rides/history", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateRideUnverifiedDriver(t *testing.T) {
	s, v := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/rides", bearer(t, v, "d1", false), map[string]any{
		"start_point":     map[string]float64{"lat": 12.97, "lon": 77.59},
		"end_point":       map[string]float64{"lat": 13.19, "lon": 77.70},
		"available_seats": 3,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	s, v := newTestServer(t)
	driver := bearer(t, v, "d1", true)
	passenger := bearer(t, v, "p1", false)

	// create
	rec := do(t, s, http.MethodPost, "/api/v1/rides", driver, map[string]any{
		"start_location":  "Campus",
		"end_location":    "Airport",
		"start_point":     map[string]float64{"lat": 12.97, "lon": 77.59},
		"end_point":       map[string]float64{"lat": 13.19, "lon": 77.70},
		"start_time":      time.Now().Add(time.Hour).Format(time.RFC3339),
		"available_seats": 3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ride struct {
		ID             string `json:"id"`
		AvailableSeats int    `json:"available_seats"`
	}
	decode(t, rec, &ride)
	if ride.ID == "" || ride.AvailableSeats != 3 {
		t.Fatalf("bad ride payload: %+v", ride)
	}

	// search finds it
	rec = do(t, s, http.MethodPost, "/api/v1/rides/search", passenger, map[string]any{
		"pickup_point":      map[string]float64{"lat": 12.97, "lon": 77.59},
		"destination_point": map[string]float64{"lat": 13.19, "lon": 77.70},
		"seats_needed":      2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Rides []json.RawMessage `json:"rides"`
		Total int               `json:"total"`
	}
	decode(t, rec, &page)
	if page.Total != 1 || len(page.Rides) != 1 {
		t.Fatalf("search: expected the ride, got total=%d", page.Total)
	}

	// request a seat
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/requests", ride.ID), passenger, map[string]any{
		"pickup_point":  map[string]float64{"lat": 12.98, "lon": 77.60},
		"dropoff_point": map[string]float64{"lat": 13.18, "lon": 77.69},
		"seats_needed":  2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var req struct {
		ID string `json:"id"`
	}
	decode(t, rec, &req)

	// driver sees it pending
	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/rides/%s/requests", ride.ID), driver, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}

	// accept
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/decision", req.ID), driver, map[string]string{"action": "accept"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision struct {
		AvailableSeats int `json:"available_seats"`
	}
	decode(t, rec, &decision)
	if decision.AvailableSeats != 1 {
		t.Fatalf("expected 1 seat left, got %d", decision.AvailableSeats)
	}

	// run the ride to completion
	for _, status := range []string{"ONGOING", "COMPLETED"} {
		rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/status", ride.ID), driver, map[string]string{"status": status})
		if rec.Code != http.StatusOK {
			t.Fatalf("status %s: expected 200, got %d: %s", status, rec.Code, rec.Body.String())
		}
	}

	// passenger settles up
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/payment", req.ID), passenger, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payment: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/payment", req.ID), passenger, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second payment: expected 400, got %d", rec.Code)
	}

	// emissions visible to both sides
	for _, token := range []string{driver, passenger} {
		rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/rides/%s/emissions", ride.ID), token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("emissions: expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}
	var savings struct {
		Breakdown struct {
			ConfirmedPassengers int `json:"confirmed_passengers"`
		} `json:"calculation_breakdown"`
	}
	decode(t, rec, &savings)
	if savings.Breakdown.ConfirmedPassengers != 2 {
		t.Fatalf("expected 2 passenger seats, got %d", savings.Breakdown.ConfirmedPassengers)
	}

	// mutual ratings
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/rate-driver", ride.ID), passenger, map[string]int{"score": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("rate driver: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/rate-driver", ride.ID), passenger, map[string]int{"score": 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second rating: expected 409, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/rate-passenger/p1", ride.ID), driver, map[string]int{"score": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("rate passenger: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// history shows the finished ride on both sides
	rec = do(t, s, http.MethodGet, "/api/v1/rides/history", passenger, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var history struct {
		AsDriver    []json.RawMessage `json:"as_driver"`
		AsPassenger []json.RawMessage `json:"as_passenger"`
	}
	decode(t, rec, &history)
	if len(history.AsPassenger) != 1 || len(history.AsDriver) != 0 {
		t.Fatalf("history: got %d/%d", len(history.AsDriver), len(history.AsPassenger))
	}
}

func TestRideDetailsHidesExistence(t *testing.T) {
	s, v := newTestServer(t)
	driver := bearer(t, v, "d1", true)
	rec := do(t, s, http.MethodPost, "/api/v1/rides", driver, map[string]any{
		"start_point":     map[string]float64{"lat": 12.97, "lon": 77.59},
		"end_point":       map[string]float64{"lat": 13.19, "lon": 77.70},
		"available_seats": 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var ride struct {
		ID string `json:"id"`
	}
	decode(t, rec, &ride)

	rec = do(t, s, http.MethodGet, "/api/v1/rides/"+ride.ID, bearer(t, v, "stranger", false), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("outsider: expected 404, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/v1/rides/"+ride.ID, driver, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("driver: expected 200, got %d", rec.Code)
	}
}

func TestChatMessagesGatedByPair(t *testing.T) {
	s, v := newTestServer(t)
	driver := bearer(t, v, "d1", true)
	passenger := bearer(t, v, "p1", false)

	rec := do(t, s, http.MethodPost, "/api/v1/rides", driver, map[string]any{
		"start_point":     map[string]float64{"lat": 12.97, "lon": 77.59},
		"end_point":       map[string]float64{"lat": 13.19, "lon": 77.70},
		"available_seats": 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var ride struct {
		ID string `json:"id"`
	}
	decode(t, rec, &ride)

	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/requests", ride.ID), passenger, map[string]any{"seats_needed": 1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: %d", rec.Code)
	}
	var req struct {
		ID string `json:"id"`
	}
	decode(t, rec, &req)

	// pending pair may not read chat yet
	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/rides/%s/chat/p1/messages", ride.ID), driver, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pending pair: expected 403, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/decision", req.ID), driver, map[string]string{"action": "accept"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/rides/%s/chat/p1/messages", ride.ID), driver, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed pair: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/rides/%s/chat/d1/messages", ride.ID), bearer(t, v, "stranger", false), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/v1/rides/nope/chat/d1/messages", passenger, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing ride: expected 404, got %d", rec.Code)
	}
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	s, v := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides/search", bytes.NewReader([]byte("{nope")))
	req.Header.Set("Authorization", bearer(t, v, "u1", false))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func createRide(t *testing.T, s *Server, driver string, seats int) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/rides", driver, map[string]any{
		"start_point":     map[string]float64{"lat": 12.97, "lon": 77.59},
		"end_point":       map[string]float64{"lat": 13.19, "lon": 77.70},
		"available_seats": seats,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create ride: %d: %s", rec.Code, rec.Body.String())
	}
	var ride struct {
		ID string `json:"id"`
	}
	decode(t, rec, &ride)
	return ride.ID
}

func submitAndAccept(t *testing.T, s *Server, rideID, driver, passenger string, seats int) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/requests", rideID), passenger, map[string]any{
		"pickup_point":  map[string]float64{"lat": 12.98, "lon": 77.60},
		"dropoff_point": map[string]float64{"lat": 13.18, "lon": 77.69},
		"seats_needed":  seats,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: %d: %s", rec.Code, rec.Body.String())
	}
	var req struct {
		ID string `json:"id"`
	}
	decode(t, rec, &req)
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/decision", req.ID), driver, map[string]string{"action": "accept"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d: %s", rec.Code, rec.Body.String())
	}
	return req.ID
}

// The websocket endpoints share the instrumented router with the REST
// routes, so the upgrade has to survive the middleware stack end to end.
func TestWebsocketUpgradeThroughServer(t *testing.T) {
	s, v := newTestServer(t)
	driver := bearer(t, v, "d1", true)
	rideID := createRide(t, s, driver, 2)

	srv := httptest.NewServer(s)
	defer srv.Close()

	tok, err := v.Sign(auth.Identity{UserID: "d1", DriverVerified: true}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rides/" + rideID + "/location?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (http %d)", err, status)
	}
	defer conn.Close()

	// the connection is live both ways: an invalid update comes back as a
	// point-to-point error event
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"lat":95,"lon":0}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "error" {
		t.Fatalf("expected error event, got %q", ev.Type)
	}
}

type fakeFareGateway struct {
	holds    []string
	captures []string
	cancels  []string
}

func (f *fakeFareGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.holds = append(f.holds, fmt.Sprintf("%s/%d/%s", customerID, amount, currency))
	return "pi_" + customerID, nil
}

func (f *fakeFareGateway) Capture(ctx context.Context, paymentIntentID string) error {
	f.captures = append(f.captures, paymentIntentID)
	return nil
}

func (f *fakeFareGateway) Cancel(ctx context.Context, paymentIntentID string) error {
	f.cancels = append(f.cancels, paymentIntentID)
	return nil
}

func TestFareHeldOnAcceptAndCaptured(t *testing.T) {
	s, v := newTestServer(t)
	fare := &fakeFareGateway{}
	s.fare = fare
	s.farePerSeat = 250

	driver := bearer(t, v, "d1", true)
	passenger := bearer(t, v, "p1", false)
	rideID := createRide(t, s, driver, 3)
	reqID := submitAndAccept(t, s, rideID, driver, passenger, 2)

	if len(fare.holds) != 1 || fare.holds[0] != "p1/500/usd" {
		t.Fatalf("expected one hold of 500 for p1, got %v", fare.holds)
	}

	for _, status := range []string{"ONGOING", "COMPLETED"} {
		rec := do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/status", rideID), driver, map[string]string{"status": status})
		if rec.Code != http.StatusOK {
			t.Fatalf("status %s: %d", status, rec.Code)
		}
	}
	rec := do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/payment", reqID), passenger, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payment: %d: %s", rec.Code, rec.Body.String())
	}
	if len(fare.captures) != 1 || fare.captures[0] != "pi_p1" {
		t.Fatalf("expected the held intent captured, got %v", fare.captures)
	}
	if len(fare.cancels) != 0 {
		t.Fatalf("no holds should be released, got %v", fare.cancels)
	}
}

func TestFareReleasedWhenRideCancelled(t *testing.T) {
	s, v := newTestServer(t)
	fare := &fakeFareGateway{}
	s.fare = fare
	s.farePerSeat = 100

	driver := bearer(t, v, "d1", true)
	passenger := bearer(t, v, "p1", false)
	rideID := createRide(t, s, driver, 2)
	submitAndAccept(t, s, rideID, driver, passenger, 1)

	rec := do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/status", rideID), driver, map[string]string{"status": "CANCELLED"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d: %s", rec.Code, rec.Body.String())
	}
	if len(fare.cancels) != 1 || fare.cancels[0] != "pi_p1" {
		t.Fatalf("expected the hold released, got %v", fare.cancels)
	}
	if len(fare.captures) != 0 {
		t.Fatalf("nothing should be captured on cancellation, got %v", fare.captures)
	}
}
