package geo

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/models"
)

var ErrInvalidQuery = errors.New("invalid search query")

const (
	DefaultPageSize = 10
	DefaultRadiusM  = 5000.0
)

// PendingLister is the slice of the store the search needs: PENDING rides
// with at least the requested seats, ordered by start time then id.
type PendingLister interface {
	PendingRides(ctx context.Context, minSeats int) ([]*models.Ride, error)
}

// LivePrefilter narrows candidates to rides whose live position is near a
// point before the per-ride distance checks run. It is an accelerator: an
// error or an empty read means "no information" and the full scan stands.
type LivePrefilter interface {
	Nearby(ctx context.Context, p models.Coord, radiusM float64, limit int) ([]string, error)
}

// prefilterLimit caps how many ids one prefilter read may return.
const prefilterLimit = 512

// Search filters pending rides by geodesic proximity of both endpoints.
type Search struct {
	Store    PendingLister
	Live     LivePrefilter // optional
	PageSize int
}

type Query struct {
	Pickup      models.Coord `json:"pickup_point"`
	Destination models.Coord `json:"destination_point"`
	SeatsNeeded int          `json:"seats_needed"`
	RadiusM     float64      `json:"radius"`
	Page        int          `json:"page"` // 1-based; 0 means first page
}

// Page is one slice of the result sequence. NextPage is 0 once the
// sequence is exhausted, so the cursor restarts a search rather than
// paging forever.
type Page struct {
	Rides    []*models.Ride `json:"rides"`
	Page     int            `json:"page"`
	NextPage int            `json:"next_page,omitempty"`
	Total    int            `json:"total"`
}

// FindRides returns pending rides with enough seats whose start point is
// within RadiusM of the pickup and whose end point is within RadiusM of
// the destination, ordered by start time (ride id breaks ties).
func (s *Search) FindRides(ctx context.Context, q Query) (*Page, error) {
	if q.SeatsNeeded == 0 {
		q.SeatsNeeded = 1
	}
	if q.SeatsNeeded < 1 || q.SeatsNeeded > 8 {
		return nil, ErrInvalidQuery
	}
	if q.RadiusM == 0 {
		q.RadiusM = DefaultRadiusM
	}
	if q.RadiusM < 0 || !q.Pickup.Valid() || !q.Destination.Valid() {
		return nil, ErrInvalidQuery
	}
	if q.Page < 1 {
		q.Page = 1
	}

	candidates, err := s.Store.PendingRides(ctx, q.SeatsNeeded)
	if err != nil {
		return nil, err
	}
	candidates = s.prefilter(ctx, candidates, q)
	matched := make([]*models.Ride, 0, len(candidates))
	for _, r := range candidates {
		if Distance(r.StartPoint, q.Pickup) > q.RadiusM {
			continue
		}
		if Distance(r.EndPoint, q.Destination) > q.RadiusM {
			continue
		}
		matched = append(matched, r)
	}

	size := s.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	start := (q.Page - 1) * size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	page := &Page{Rides: matched[start:end], Page: q.Page, Total: len(matched)}
	if end < len(matched) {
		page.NextPage = q.Page + 1
	}
	return page, nil
}

// prefilter drops candidates the live index already knows are far from the
// pickup. The per-ride distance checks in FindRides still run on whatever
// survives, so the prefilter can only skip work, not admit a bad match.
func (s *Search) prefilter(ctx context.Context, candidates []*models.Ride, q Query) []*models.Ride {
	if s.Live == nil {
		return candidates
	}
	ids, err := s.Live.Nearby(ctx, q.Pickup, q.RadiusM, prefilterLimit)
	if err != nil || len(ids) == 0 {
		return candidates
	}
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := make([]*models.Ride, 0, len(candidates))
	for _, r := range candidates {
		if keep[r.ID] {
			out = append(out, r)
		}
	}
	return out
}
