package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alignetic/engine/pkg/models"
)

// TurnStore records append-only turn records and serves the ListTurns API
// (spec §6: limit <= 100, offset, asc/desc by creation time).
type TurnStore interface {
	AppendTurn(ctx context.Context, turn *models.Turn) error
	ListTurns(ctx context.Context, tenantID, sessionID string, limit, offset int, sortAsc bool) ([]models.Turn, error)
}

// MemoryTurnStore is the in-memory TurnStore.
type MemoryTurnStore struct {
	mu    sync.RWMutex
	turns []models.Turn
}

func NewMemoryTurnStore() *MemoryTurnStore {
	return &MemoryTurnStore{}
}

func (s *MemoryTurnStore) AppendTurn(_ context.Context, turn *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	s.turns = append(s.turns, *turn)
	return nil
}

func (s *MemoryTurnStore) ListTurns(_ context.Context, tenantID, sessionID string, limit, offset int, sortAsc bool) ([]models.Turn, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	s.mu.RLock()
	var out []models.Turn
	for _, t := range s.turns {
		if t.TenantID == tenantID && t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if sortAsc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[j].CreatedAt.Before(out[i].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
