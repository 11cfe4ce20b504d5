package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// LiveIndex mirrors ride positions into Redis GEO sets so live position
// reads and proximity prefilters never touch the primary store. It is an
// optional accelerator: every caller treats it as best effort.
type LiveIndex struct {
	client *redis.Client
	key    string
}

func NewLiveIndex(addr, password, key string) *LiveIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &LiveIndex{client: c, key: key}
}

func (l *LiveIndex) Close() error { return l.client.Close() }

func (l *LiveIndex) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// UpdatePosition records the ride's current point plus freshness metadata.
func (l *LiveIndex) UpdatePosition(ctx context.Context, rideID string, c models.Coord, at time.Time) error {
	if _, err := l.client.GeoAdd(ctx, l.key,
		&redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: rideID}).Result(); err != nil {
		return err
	}
	return l.client.HSet(ctx, posKey(rideID), map[string]interface{}{
		"lat":     strconv.FormatFloat(c.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(c.Lon, 'f', -1, 64),
		"updated": at.Format(time.RFC3339),
	}).Err()
}

// Position returns the last recorded point and its timestamp.
func (l *LiveIndex) Position(ctx context.Context, rideID string) (models.Coord, time.Time, error) {
	m, err := l.client.HGetAll(ctx, posKey(rideID)).Result()
	if err != nil {
		return models.Coord{}, time.Time{}, err
	}
	if len(m) == 0 {
		return models.Coord{}, time.Time{}, redis.Nil
	}
	var c models.Coord
	if v, ok := m["lat"]; ok {
		c.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lon"]; ok {
		c.Lon, _ = strconv.ParseFloat(v, 64)
	}
	var at time.Time
	if v, ok := m["updated"]; ok {
		at, _ = time.Parse(time.RFC3339, v)
	}
	return c, at, nil
}

// Forget drops a closed ride from the live set.
func (l *LiveIndex) Forget(ctx context.Context, rideID string) error {
	if err := l.client.ZRem(ctx, l.key, rideID).Err(); err != nil {
		return err
	}
	return l.client.Del(ctx, posKey(rideID)).Err()
}

// Nearby lists ride ids whose live position is within radiusM of the
// point, closest first.
func (l *LiveIndex) Nearby(ctx context.Context, p models.Coord, radiusM float64, limit int) ([]string, error) {
	res, err := l.client.GeoRadius(ctx, l.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}

func posKey(rideID string) string { return "ride:pos:" + rideID }
