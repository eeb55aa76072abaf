// Package subscriber keeps a client's local view of rides in step with the
// change feed.
package subscriber

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
)

// State is an id-keyed set of ride snapshots.
type State struct {
	mu    sync.RWMutex
	rides map[string]models.RideRequest
}

func NewState() *State { return &State{rides: make(map[string]models.RideRequest)} }

// Apply upserts r. Snapshots are whole rows, so applying the same one twice
// is harmless. A snapshot older than the stored one (lower version) is
// dropped and Apply reports false.
func (s *State) Apply(r models.RideRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rides[r.ID]; ok && cur.Version > r.Version {
		return false
	}
	s.rides[r.ID] = r.Clone()
	return true
}

func (s *State) Get(id string) (models.RideRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[id]
	if !ok {
		return models.RideRequest{}, false
	}
	return r.Clone(), true
}

// List returns every ride, newest first.
func (s *State) List() []models.RideRequest {
	s.mu.RLock()
	out := make([]models.RideRequest, 0, len(s.rides))
	for _, r := range s.rides {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Watch subscribes to f on src and applies every snapshot to st until ctx
// ends or the stream closes. onApply, if set, sees each snapshot that
// changed st. The subscription is always released before Watch returns.
func Watch(ctx context.Context, src changefeed.Source, f models.Filter, st *State, onApply func(models.RideRequest)) error {
	stream, err := src.Subscribe(ctx, f)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if st.Apply(ev.Ride) && onApply != nil {
				onApply(ev.Ride)
			}
		}
	}
}
