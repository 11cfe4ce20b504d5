package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/emissions"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/hub"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/ledger"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/notify"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
)

// FareGateway is the slice of the payments client the fare flow uses: a
// hold when a seat is confirmed, capture on settlement, release when the
// ride is cancelled.
type FareGateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Server struct {
	logger       *slog.Logger
	verifier     *auth.Verifier
	member       *auth.Membership
	ledger       *ledger.Ledger
	search       *geo.Search
	hub          *hub.Hub
	emiss        *emissions.Calculator
	ratings      *rating.Ledger
	store        storage.Store
	live         *geo.LiveIndex // optional
	fare         FareGateway    // optional
	farePerSeat  int64
	fareCurrency string
	notifier     notify.Notifier
	pageSize     int
	mux          *mux.Router
}

// NewServer wires the service from config with sensible fallbacks:
// Postgres when PG_DSN is set, in-memory otherwise; kafka and redis only
// when their addresses are configured.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var producer hub.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var live *geo.LiveIndex
	if cfg.RedisAddr != "" {
		live = geo.NewLiveIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	search := &geo.Search{Store: store, PageSize: cfg.SearchPageSize}
	if live != nil {
		search.Live = live
	}

	var fare FareGateway
	if cfg.StripeAPIKey != "" {
		fare = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	fareCurrency := cfg.FareCurrency
	if fareCurrency == "" {
		fareCurrency = "usd"
	}

	var routes routing.Source
	if cfg.OSRMEndpoint != "" {
		routes = routing.NewCached(routing.NewOSRMClient(cfg.OSRMEndpoint), 10*time.Minute)
	}

	var notifier notify.Notifier = &notify.LogNotifier{Log: logger}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookKey, logger)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	member := auth.NewMembership(store)

	s := &Server{
		logger:       logger,
		verifier:     verifier,
		member:       member,
		ledger:       ledger.New(store),
		search:       search,
		hub:          hub.New(store, member, verifier, logger, hub.Options{SendBuffer: cfg.HubSendBuffer, Publisher: producer}),
		emiss:        emissions.NewCalculator(store, routes),
		ratings:      rating.New(store),
		store:        store,
		live:         live,
		fare:         fare,
		farePerSeat:  int64(cfg.FarePerSeatCents),
		fareCurrency: fareCurrency,
		notifier:     notifier,
		pageSize:     cfg.SearchPageSize,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.verifier.Middleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/search", s.handleSearch).Methods("POST")
	api.HandleFunc("/rides/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleRideDetails).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/requests", s.handleSubmitRequest).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/status", s.handleRideStatus).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/emissions", s.handleEmissions).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/rate-driver", s.handleRateDriver).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/rate-passenger/{passenger_id}", s.handleRatePassenger).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/unrated-passengers", s.handleUnratedPassengers).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/chat/{partner_id}/messages", s.handleChatMessages).Methods("GET")
	api.HandleFunc("/requests/{request_id}/decision", s.handleDecision).Methods("POST")
	api.HandleFunc("/requests/{request_id}/passenger-status", s.handlePassengerStatus).Methods("POST")
	api.HandleFunc("/requests/{request_id}/payment", s.handlePayment).Methods("POST")

	// realtime endpoints authenticate inside the hub so refusals can
	// carry a websocket close code
	s.mux.HandleFunc("/ws/rides/{ride_id}/location", s.handleWSLocation)
	s.mux.HandleFunc("/ws/rides/{ride_id}/chat/{partner_id}", s.handleWSChat)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	var in ledger.CreateRideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, badJSON(err))
		return
	}
	ride, err := s.ledger.CreateRide(r.Context(), ident, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.trackRide(r.Context(), ride)
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q geo.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeError(w, r, badJSON(err))
		return
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			q.Page = n
		}
	}
	page, err := s.search.FindRides(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	var in ledger.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, badJSON(err))
		return
	}
	req, err := s.ledger.SubmitRequest(r.Context(), ident, rideID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride, err := s.store.Ride(r.Context(), rideID); err == nil {
		s.notifier.Notify(r.Context(), notify.Event{
			Kind: notify.KindRequestSubmitted, UserID: ride.DriverID,
			RideID: rideID, RequestID: req.ID, At: time.Now(),
		})
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	reqs, err := s.ledger.PendingRequests(r.Context(), ident, rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			page = n
		}
	}
	start := (page - 1) * s.pageSize
	if start > len(reqs) {
		start = len(reqs)
	}
	end := start + s.pageSize
	if end > len(reqs) {
		end = len(reqs)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"requests": reqs[start:end],
		"page":     page,
		"total":    len(reqs),
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	requestID := mux.Vars(r)["request_id"]
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badJSON(err))
		return
	}
	remaining, err := s.ledger.DecideRequest(r.Context(), ident, requestID, ledger.Decision(body.Action))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req, err := s.store.Request(r.Context(), requestID); err == nil {
		if req.Status == models.RequestConfirmed {
			s.holdFare(r.Context(), req)
		}
		s.notifier.Notify(r.Context(), notify.Event{
			Kind: notify.KindRequestDecided, UserID: req.PassengerID,
			RideID: req.RideID, RequestID: req.ID, Detail: string(req.Status), At: time.Now(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"available_seats": remaining})
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badJSON(err))
		return
	}
	swept, err := s.ledger.UpdateRideStatus(r.Context(), ident, rideID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, req := range swept {
		if body.Status == models.RideCancelled {
			s.releaseFare(r.Context(), req)
		}
		s.notifier.Notify(r.Context(), notify.Event{
			Kind: notify.KindRideStatus, UserID: req.PassengerID,
			RideID: rideID, RequestID: req.ID, Detail: string(body.Status), At: time.Now(),
		})
	}
	if body.Status.Terminal() && s.live != nil {
		// best effort: the live index only tracks open rides
		if err := s.live.Forget(r.Context(), rideID); err != nil {
			s.logger.Warn("live index forget", "ride", rideID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "ride status updated to " + string(body.Status)})
}

func (s *Server) handlePassengerStatus(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	requestID := mux.Vars(r)["request_id"]
	var body struct {
		Status models.RequestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badJSON(err))
		return
	}
	req, err := s.ledger.UpdatePassengerStatus(r.Context(), ident, requestID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	requestID := mux.Vars(r)["request_id"]
	var body struct {
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // body optional
	}
	req, err := s.ledger.CompletePayment(r.Context(), ident, requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	intentID := body.PaymentIntentID
	if intentID == "" {
		intentID = req.PaymentIntentID
	}
	if s.fare != nil && intentID != "" {
		if err := s.fare.Capture(r.Context(), intentID); err != nil {
			s.logger.Warn("stripe capture", "request", requestID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRideDetails(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	ride, reqs, err := s.ledger.RideForParticipant(r.Context(), ident, rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"ride":               ride,
		"passenger_requests": reqs,
	}
	if driver, err := s.store.User(r.Context(), ride.DriverID); err == nil {
		resp["driver_details"] = driver
	}
	if s.live != nil {
		if pos, at, err := s.live.Position(r.Context(), rideID); err == nil {
			resp["live_position"] = map[string]any{"point": pos, "updated": at}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	asDriver, asPassenger, err := s.ledger.History(r.Context(), ident)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"as_driver":    asDriver,
		"as_passenger": asPassenger,
	})
}

func (s *Server) handleEmissions(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	savings, err := s.emiss.EstimateSavings(r.Context(), ident, rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, savings)
}

func (s *Server) handleRateDriver(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	score, err := decodeScore(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ratings.RateDriver(r.Context(), ident, rideID, score); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "driver rated successfully"})
}

func (s *Server) handleRatePassenger(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	vars := mux.Vars(r)
	score, err := decodeScore(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ratings.RatePassenger(r.Context(), ident, vars["ride_id"], vars["passenger_id"], score); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "passenger rated successfully"})
}

func (s *Server) handleUnratedPassengers(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	rideID := mux.Vars(r)["ride_id"]
	users, err := s.ratings.UnratedPassengers(r.Context(), ident, rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"passengers": users})
}

// handleChatMessages serves the stored conversation for a driver-passenger
// pair, gated by the same membership rule as the chat channel.
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	vars := mux.Vars(r)
	rideID, partnerID := vars["ride_id"], vars["partner_id"]
	allowed, err := s.member.CanJoinChatChannel(r.Context(), ident.UserID, rideID, partnerID)
	if errors.Is(err, auth.ErrRideNotFound) {
		s.writeError(w, r, ledger.ErrNotFound)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !allowed {
		s.writeError(w, r, ledger.ErrForbidden)
		return
	}
	msgs, err := s.store.ChatHistory(r.Context(), rideID, ident.UserID, partnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleWSLocation(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeLocation(w, r, mux.Vars(r)["ride_id"])
}

func (s *Server) handleWSChat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.hub.ServeChat(w, r, vars["ride_id"], vars["partner_id"])
}

func decodeScore(r *http.Request) (int, error) {
	var body struct {
		Score int `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, badJSON(err)
	}
	return body.Score, nil
}

var errBadJSON = errors.New("malformed request body")

func badJSON(err error) error {
	return errors.Join(errBadJSON, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors
// are logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, ledger.ErrUnauthorized),
		errors.Is(err, ledger.ErrForbidden),
		errors.Is(err, rating.ErrNotEligible):
		code = http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, emissions.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, rating.ErrAlreadyRated):
		code = http.StatusConflict
	case errors.Is(err, errBadJSON),
		errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrRideNotJoinable),
		errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrDuplicatePendingRequest),
		errors.Is(err, ledger.ErrPaymentNotReady),
		errors.Is(err, ledger.ErrAlreadyPaid),
		errors.Is(err, rating.ErrInvalidScore),
		errors.Is(err, geo.ErrInvalidQuery):
		code = http.StatusBadRequest
	default:
		code = http.StatusInternalServerError
		s.logger.Error("internal error", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

// holdFare places a manual-capture hold for a freshly confirmed seat and
// remembers the intent id on the request. Best effort: the seat stands
// even when the hold fails.
func (s *Server) holdFare(ctx context.Context, req *models.RideRequest) {
	if s.fare == nil || s.farePerSeat <= 0 || req.PaymentIntentID != "" {
		return
	}
	intentID, err := s.fare.Hold(ctx, int64(req.SeatsNeeded)*s.farePerSeat, s.fareCurrency, req.PassengerID)
	if err != nil {
		s.logger.Warn("stripe hold", "request", req.ID, "error", err)
		return
	}
	req.PaymentIntentID = intentID
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		s.logger.Warn("record payment intent", "request", req.ID, "error", err)
	}
}

// releaseFare drops the hold of a request swept by a ride cancellation.
func (s *Server) releaseFare(ctx context.Context, req *models.RideRequest) {
	if s.fare == nil || req.PaymentIntentID == "" {
		return
	}
	if err := s.fare.Cancel(ctx, req.PaymentIntentID); err != nil {
		s.logger.Warn("stripe cancel", "request", req.ID, "error", err)
	}
}

// trackRide mirrors a new ride into the live geo index, best effort.
func (s *Server) trackRide(ctx context.Context, ride *models.Ride) {
	if s.live == nil {
		return
	}
	if err := s.live.UpdatePosition(ctx, ride.ID, ride.StartPoint, time.Now()); err != nil {
		s.logger.Warn("live index update", "ride", ride.ID, "error", err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
