// Package audit records the immutable per-turn audit trail (spec §4.10
// phase 13): one event per completed turn, plus `cancelled` and
// `persist_failed` events on the corresponding failure paths.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/alignetic/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the append-only sink audit events land in.
type Store interface {
	Append(ctx context.Context, event models.AuditEvent) error
	ListBySession(ctx context.Context, tenantID, sessionID string) ([]models.AuditEvent, error)
}

// MemoryStore is the in-memory audit sink used by tests and the default
// runtime path.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.AuditEvent
}

// NewMemoryStore creates an empty audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListBySession(_ context.Context, tenantID, sessionID string) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range s.events {
		if e.TenantID == tenantID && e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Emitter writes events to the store and mirrors them to the structured
// log.
type Emitter struct {
	store Store
}

// NewEmitter creates an Emitter.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store}
}

// Emit records one audit event. Audit failures never fail a turn; they log.
func (e *Emitter) Emit(ctx context.Context, tenantID, sessionID, turnID, kind, outcome, detail string) {
	event := models.AuditEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SessionID: sessionID,
		TurnID:    turnID,
		Kind:      kind,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := e.store.Append(ctx, event); err != nil {
		log.Error().Err(err).Str("turn_id", turnID).Msg("audit append failed")
		return
	}
	log.Info().Str("tenant_id", tenantID).Str("session_id", sessionID).
		Str("turn_id", turnID).Str("kind", kind).Str("outcome", outcome).
		Msg("turn audited")
}
