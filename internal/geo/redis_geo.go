package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const maxUpsertAttempts = 3

// RedisGeo implements Availability with one Redis set per cell and a
// metadata hash per driver.
type RedisGeo struct {
	client     redis.UniversalClient
	cells      CellLocator
	staleAfter time.Duration
	now        func() time.Time
}

func NewRedisGeo(client redis.UniversalClient, cells CellLocator, staleAfter time.Duration) *RedisGeo {
	return &RedisGeo{client: client, cells: cells, staleAfter: staleAfter, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverAvailability) error {
	if err := d.Validate(); err != nil {
		return err
	}
	cell, err := r.cells.CellOf(d.Location)
	if err != nil {
		return fmt.Errorf("locate driver %s: %w", d.DriverID, err)
	}

	d.UpdatedAt = heartbeatTime(d.UpdatedAt, r.now())

	key := metaKey(d.DriverID)
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			return r.upsertTx(ctx, tx, key, cell, d)
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis geo: upsert %s: %w", d.DriverID, err)
	}
	return nil
}

// upsertTx runs under WATCH on the driver's hash, so a concurrent writer
// forces a retry instead of interleaving cell moves.
func (r *RedisGeo) upsertTx(ctx context.Context, tx *redis.Tx, key, cell string, d models.DriverAvailability) error {
	vals, err := tx.HMGet(ctx, key, "cell", "updated").Result()
	if err != nil {
		return err
	}
	prevCell, _ := vals[0].(string)
	if raw, _ := vals[1].(string); raw != "" {
		if stored, err := time.Parse(time.RFC3339Nano, raw); err == nil && d.UpdatedAt.Before(stored) {
			return nil
		}
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prevCell != "" && prevCell != cell {
			pipe.SRem(ctx, cellKey(prevCell), d.DriverID)
		}
		pipe.SAdd(ctx, cellKey(cell), d.DriverID)
		pipe.HSet(ctx, key, map[string]interface{}{
			"lat":     strconv.FormatFloat(d.Location.Lat, 'f', -1, 64),
			"lng":     strconv.FormatFloat(d.Location.Lng, 'f', -1, 64),
			"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
			"online":  strconv.FormatBool(d.Online),
			"cell":    cell,
			"updated": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	return err
}

func (r *RedisGeo) OnlineInCells(ctx context.Context, cells []string) ([]models.DriverAvailability, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	keys := make([]string, len(cells))
	wanted := make(map[string]struct{}, len(cells))
	for i, c := range cells {
		keys[i] = cellKey(c)
		wanted[c] = struct{}{}
	}
	ids, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo: members of %d cells: %w", len(cells), err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, metaKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis geo: driver metadata: %w", err)
	}

	now := r.now()
	out := make([]models.DriverAvailability, 0, len(ids))
	for i, id := range ids {
		d, ok := parseMeta(id, cmds[i].Val())
		if !ok || !d.Online || isStale(d, now, r.staleAfter) {
			continue
		}
		// set membership can lag a move; the hash is authoritative
		if _, in := wanted[d.Cell]; !in {
			continue
		}
		out = append(out, d)
	}
	sortByDriverID(out)
	return out, nil
}

func parseMeta(id string, m map[string]string) (models.DriverAvailability, bool) {
	if len(m) == 0 {
		return models.DriverAvailability{}, false
	}
	d := models.DriverAvailability{DriverID: id, Cell: m["cell"], Online: m["online"] == "true"}
	var err error
	if d.Location.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return d, false
	}
	if d.Location.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return d, false
	}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.UpdatedAt = t
	}
	return d, true
}

func cellKey(cell string) string { return "drivers:cell:" + cell }

func metaKey(id string) string { return "driver:meta:" + id }
