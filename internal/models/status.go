package models

type RideStatus string

const (
	RidePending   RideStatus = "PENDING"
	RideOngoing   RideStatus = "ONGOING"
	RideCompleted RideStatus = "COMPLETED"
	RideCancelled RideStatus = "CANCELLED"
)

// rideTransitions is the allowed status graph for rides. Completed and
// cancelled are terminal.
var rideTransitions = map[RideStatus][]RideStatus{
	RidePending:   {RideOngoing, RideCancelled},
	RideOngoing:   {RideCompleted, RideCancelled},
	RideCompleted: {},
	RideCancelled: {},
}

func (s RideStatus) CanTransition(to RideStatus) bool {
	for _, next := range rideTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return len(rideTransitions[s]) == 0
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestConfirmed RequestStatus = "CONFIRMED"
	RequestInVehicle RequestStatus = "IN_VEHICLE"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// requestTransitions includes CONFIRMED -> CANCELLED so a passenger-side
// cancel stays representable even though no endpoint exposes it yet.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:   {RequestConfirmed, RequestRejected, RequestCancelled},
	RequestConfirmed: {RequestInVehicle, RequestCompleted, RequestCancelled},
	RequestInVehicle: {RequestCompleted, RequestCancelled},
	RequestCompleted: {},
	RequestRejected:  {},
	RequestCancelled: {},
}

func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return len(requestTransitions[s]) == 0
}

// Occupying reports whether a request in this status is holding seats.
func (s RequestStatus) Occupying() bool {
	return s == RequestConfirmed || s == RequestInVehicle
}
