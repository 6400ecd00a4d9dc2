package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
)

// MemorySessionStore is an in-memory SessionStore, grounded on the
// teacher's internal/sessions.MemorySessionStore (simple RWMutex-guarded
// map) generalized with the lookup/list/step-hash-search/lease operations
// spec §4.1 and §5 require.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // key: sessionID

	leaseMu sync.Mutex
	leases  map[string]chan struct{} // key: tenantID+":"+sessionID
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.Session),
		leases:   make(map[string]chan struct{}),
	}
}

func (s *MemorySessionStore) GetSession(_ context.Context, tenantID, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, apierrors.NotFound(apierrors.KindSessionNotFound, "session", sessionID)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) SaveSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return apierrors.NotFound(apierrors.KindSessionNotFound, "session", sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemorySessionStore) FindSessionByChannelUser(_ context.Context, tenantID, agentID, channel, userChannelID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID && sess.AgentID == agentID && sess.Channel == channel && sess.UserChannelID == userChannelID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, apierrors.NotFound(apierrors.KindSessionNotFound, "session", userChannelID)
}

func (s *MemorySessionStore) ListSessionsByAgent(_ context.Context, tenantID, agentID string, filter ListFilter) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID && sess.AgentID == agentID {
			out = append(out, *sess)
		}
	}
	return paginateSessions(out, filter), nil
}

func (s *MemorySessionStore) ListSessionsByCustomer(_ context.Context, tenantID, customerProfileID string, filter ListFilter) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID && sess.CustomerProfileID == customerProfileID {
			out = append(out, *sess)
		}
	}
	return paginateSessions(out, filter), nil
}

func paginateSessions(in []models.Session, f ListFilter) []models.Session {
	sort.Slice(in, func(i, j int) bool { return in[i].CreatedAt.Before(in[j].CreatedAt) })
	if f.Offset > 0 && f.Offset < len(in) {
		in = in[f.Offset:]
	} else if f.Offset >= len(in) {
		return nil
	}
	if f.Limit > 0 && f.Limit < len(in) {
		in = in[:f.Limit]
	}
	return in
}

// FindSessionsByStepHash supports migration deployment (spec §4.6): it
// matches sessions whose instance of the scenario is at scenarioVersion,
// whose latest step-history entry is that instance's current step, and
// whose step_content_hash recorded on that entry equals stepHash.
func (s *MemorySessionStore) FindSessionsByStepHash(_ context.Context, tenantID, scenarioID string, scenarioVersion int, stepHash string, scopeFilter map[string]string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID {
			continue
		}
		inst := sess.InstanceByScenario(scenarioID)
		if inst == nil || inst.ScenarioVersion != scenarioVersion {
			continue
		}
		if len(sess.StepHistory) == 0 {
			continue
		}
		last := sess.StepHistory[len(sess.StepHistory)-1]
		if last.StepID != inst.CurrentStepID || last.StepContentHash != stepHash {
			continue
		}
		if !matchesScope(sess, scopeFilter) {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

func matchesScope(sess *models.Session, scopeFilter map[string]string) bool {
	for k, v := range scopeFilter {
		switch k {
		case "channel":
			if sess.Channel != v {
				return false
			}
		case "agent_id":
			if sess.AgentID != v {
				return false
			}
		default:
			// unrecognized scope keys never match, rather than silently
			// passing through an unfiltered session.
			return false
		}
	}
	return true
}

// AcquireLease implements the per-session mutual-exclusion primitive (spec
// §5) as a mutex-guarded map of per-session token channels, grounded on the teacher's
// `runsMu sync.RWMutex` + cancel-func map pattern in workflow/engine.go,
// generalized from "one cancel func per run" to "one lease token per
// session".
func (s *MemorySessionStore) AcquireLease(_ context.Context, tenantID, sessionID string) (func(), bool) {
	key := tenantID + ":" + sessionID
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if _, busy := s.leases[key]; busy {
		return nil, false
	}
	token := make(chan struct{})
	s.leases[key] = token
	release := func() {
		s.leaseMu.Lock()
		defer s.leaseMu.Unlock()
		if cur, ok := s.leases[key]; ok && cur == token {
			delete(s.leases, key)
			close(token)
		}
	}
	return release, true
}
