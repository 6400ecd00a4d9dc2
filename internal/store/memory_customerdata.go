package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alignetic/engine/pkg/apierrors"
	"github.com/alignetic/engine/pkg/models"
	"github.com/google/uuid"
)

// MemoryCustomerDataStore is an in-memory CustomerDataStore implementing
// the supersession/expiration/orphan-marking semantics of spec §4.7,
// grounded on original_source's cached/inmemory interlocutor stores for
// exact status-transition behavior and on the teacher's RWMutex-map store
// shape for the Go realization.
type MemoryCustomerDataStore struct {
	mu sync.RWMutex

	profiles map[string]*models.CustomerDataStore // key: tenantID+":"+customerID
	// history holds every VariableEntry ever written (ACTIVE and
	// superseded/expired/orphaned), newest first, per (tenant, customer, name).
	history map[string][]models.VariableEntry
}

func NewMemoryCustomerDataStore() *MemoryCustomerDataStore {
	return &MemoryCustomerDataStore{
		profiles: make(map[string]*models.CustomerDataStore),
		history:  make(map[string][]models.VariableEntry),
	}
}

func profileKey(tenantID, customerID string) string { return tenantID + ":" + customerID }
func historyKey(tenantID, customerID, name string) string {
	return tenantID + ":" + customerID + ":" + name
}

func (s *MemoryCustomerDataStore) getOrCreateLocked(tenantID, customerID string) *models.CustomerDataStore {
	key := profileKey(tenantID, customerID)
	p, ok := s.profiles[key]
	if !ok {
		p = &models.CustomerDataStore{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			CustomerID: customerID,
			Fields:     make(map[string]models.VariableEntry),
			Assets:     make(map[string]models.ProfileAsset),
			Consents:   make(map[string]models.Consent),
		}
		s.profiles[key] = p
	}
	return p
}

func (s *MemoryCustomerDataStore) GetByCustomer(_ context.Context, tenantID, customerID string) (*models.CustomerDataStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileKey(tenantID, customerID)]
	if !ok {
		return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "customer", customerID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryCustomerDataStore) GetByChannelIdentity(_ context.Context, tenantID, channel, channelUserID string) (*models.CustomerDataStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.TenantID != tenantID {
			continue
		}
		for _, ci := range p.ChannelIdentities {
			if ci.Channel == channel && ci.ChannelUserID == channelUserID {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "channel_identity", channelUserID)
}

// LinkChannelIdentity links (channel, channel_user_id) to a customer,
// enforcing uniqueness across profiles of the tenant (spec §3).
func (s *MemoryCustomerDataStore) LinkChannelIdentity(_ context.Context, tenantID, customerID string, identity models.ChannelIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.profiles {
		if p.TenantID != tenantID || key == profileKey(tenantID, customerID) {
			continue
		}
		for _, ci := range p.ChannelIdentities {
			if ci.Channel == identity.Channel && ci.ChannelUserID == identity.ChannelUserID {
				return apierrors.New(apierrors.KindInvalidRequest, "channel identity already linked to another customer")
			}
		}
	}
	p := s.getOrCreateLocked(tenantID, customerID)
	for _, ci := range p.ChannelIdentities {
		if ci == identity {
			return nil
		}
	}
	p.ChannelIdentities = append(p.ChannelIdentities, identity)
	return nil
}

// UpdateField is the supersession write path (spec §4.7): always writes
// the new entry ACTIVE, superseding any prior ACTIVE entry for
// (customer, name) first.
func (s *MemoryCustomerDataStore) UpdateField(_ context.Context, tenantID, customerID string, entry models.VariableEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CollectedAt.IsZero() {
		entry.CollectedAt = time.Now()
	}
	entry.Status = models.VariableEntryActive

	p := s.getOrCreateLocked(tenantID, customerID)
	hkey := historyKey(tenantID, customerID, entry.Name)

	if prior, ok := p.Fields[entry.Name]; ok && prior.Status == models.VariableEntryActive {
		now := time.Now()
		prior.Status = models.VariableEntrySuperseded
		prior.SupersededByID = entry.ID
		prior.SupersededAt = &now
		s.history[hkey] = replaceInHistory(s.history[hkey], prior)
	}

	p.Fields[entry.Name] = entry
	s.history[hkey] = append([]models.VariableEntry{entry}, s.history[hkey]...)
	return nil
}

func replaceInHistory(hist []models.VariableEntry, updated models.VariableEntry) []models.VariableEntry {
	for i, h := range hist {
		if h.ID == updated.ID {
			hist[i] = updated
			return hist
		}
	}
	return append([]models.VariableEntry{updated}, hist...)
}

func (s *MemoryCustomerDataStore) GetField(_ context.Context, tenantID, customerID, name string, status models.VariableEntryStatus) (*models.VariableEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[profileKey(tenantID, customerID)]; ok {
		if e, ok := p.Fields[name]; ok && e.Status == models.VariableEntryActive && e.ExpiresAt != nil && !e.ExpiresAt.After(time.Now()) {
			e.Status = models.VariableEntryExpired
			p.Fields[name] = e
			hkey := historyKey(tenantID, customerID, name)
			s.history[hkey] = replaceInHistory(s.history[hkey], e)
		}
	}
	if status == models.VariableEntryActive {
		p, ok := s.profiles[profileKey(tenantID, customerID)]
		if !ok {
			return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "variable_entry", name)
		}
		e, ok := p.Fields[name]
		if !ok || e.Status != models.VariableEntryActive {
			return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "variable_entry", name)
		}
		cp := e
		return &cp, nil
	}
	for _, e := range s.history[historyKey(tenantID, customerID, name)] {
		if e.Status == status {
			cp := e
			return &cp, nil
		}
	}
	return nil, apierrors.NotFound(apierrors.KindInvalidRequest, "variable_entry", name)
}

func (s *MemoryCustomerDataStore) FieldHistory(_ context.Context, tenantID, customerID, name string, limit int) ([]models.VariableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.history[historyKey(tenantID, customerID, name)]
	out := make([]models.VariableEntry, len(hist))
	copy(out, hist)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// SweepExpirations transitions ACTIVE entries past expires_at to EXPIRED
// (spec §4.7). GetField applies the same transition to the entry it reads
// before selecting by status; other reads (GetByCustomer, FieldHistory,
// MissingFields) see statuses as of the last sweep.
func (s *MemoryCustomerDataStore) SweepExpirations(_ context.Context, tenantID, customerID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, p := range s.profiles {
		if p.TenantID != tenantID {
			continue
		}
		if customerID != "" && p.CustomerID != customerID {
			continue
		}
		for name, e := range p.Fields {
			if e.Status == models.VariableEntryActive && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
				e.Status = models.VariableEntryExpired
				p.Fields[name] = e
				s.history[historyKey(tenantID, p.CustomerID, name)] = replaceInHistory(s.history[historyKey(tenantID, p.CustomerID, name)], e)
				n++
			}
		}
		s.profiles[key] = p
	}
	return n, nil
}

// MarkOrphans walks each entry's source_item_id chain up to maxDepth,
// cycle-safe via a visited set, marking entries whose source is
// superseded/expired/deleted (or part of a cycle) ORPHANED (spec §4.7,
// §9 "Cyclic derivation chains").
func (s *MemoryCustomerDataStore) MarkOrphans(_ context.Context, tenantID, customerID string, maxDepth int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, p := range s.profiles {
		if p.TenantID != tenantID {
			continue
		}
		if customerID != "" && p.CustomerID != customerID {
			continue
		}
		for name, e := range p.Fields {
			if e.SourceItemID == "" || e.Status != models.VariableEntryActive {
				continue
			}
			if s.isOrphanLocked(tenantID, p.CustomerID, e, maxDepth) {
				e.Status = models.VariableEntryOrphaned
				p.Fields[name] = e
				s.history[historyKey(tenantID, p.CustomerID, name)] = replaceInHistory(s.history[historyKey(tenantID, p.CustomerID, name)], e)
				n++
			}
		}
		s.profiles[key] = p
	}
	return n, nil
}

func (s *MemoryCustomerDataStore) isOrphanLocked(tenantID, customerID string, entry models.VariableEntry, maxDepth int) bool {
	visited := map[string]bool{entry.ID: true}
	cur := entry
	for depth := 0; depth < maxDepth; depth++ {
		if cur.SourceItemID == "" {
			return false
		}
		source := s.findEntryByIDLocked(tenantID, cur.SourceItemID)
		if source == nil {
			return true // source deleted
		}
		if source.Status == models.VariableEntrySuperseded || source.Status == models.VariableEntryExpired {
			return true
		}
		if visited[source.ID] {
			return true // cycle
		}
		visited[source.ID] = true
		cur = *source
		_ = customerID
	}
	return true // exceeded max depth without resolving
}

func (s *MemoryCustomerDataStore) findEntryByIDLocked(tenantID, id string) *models.VariableEntry {
	for key, hist := range s.history {
		if len(key) < len(tenantID) || key[:len(tenantID)] != tenantID {
			continue
		}
		for _, e := range hist {
			if e.ID == id {
				cp := e
				return &cp
			}
		}
	}
	return nil
}

// ListSupersededBefore returns SUPERSEDED history entries superseded before
// cutoff, up to limit, for the retention janitor's archive pass.
func (s *MemoryCustomerDataStore) ListSupersededBefore(_ context.Context, tenantID string, cutoff time.Time, limit int) ([]models.VariableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.VariableEntry
	for key, hist := range s.history {
		if len(key) < len(tenantID)+1 || key[:len(tenantID)+1] != tenantID+":" {
			continue
		}
		for _, e := range hist {
			if e.Status == models.VariableEntrySuperseded && e.SupersededAt != nil && e.SupersededAt.Before(cutoff) {
				out = append(out, e)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

// MissingFields implements get_missing_fields (spec §4.7): a requirement is
// "missing" if there is no ACTIVE entry, the ACTIVE entry is stale past the
// field's freshness window, or the field demands verification and the
// entry is unverified.
func (s *MemoryCustomerDataStore) MissingFields(_ context.Context, tenantID, customerID string, requirements []models.ScenarioFieldRequirement, fields []models.CustomerDataField, now time.Time) ([]models.ScenarioFieldRequirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fieldByName := make(map[string]models.CustomerDataField, len(fields))
	for _, f := range fields {
		fieldByName[f.Name] = f
	}
	p := s.profiles[profileKey(tenantID, customerID)]

	var missing []models.ScenarioFieldRequirement
	for _, req := range requirements {
		schema, hasSchema := fieldByName[req.FieldName]
		var entry models.VariableEntry
		var active bool
		if p != nil {
			entry, active = p.Fields[req.FieldName]
			active = active && entry.Status == models.VariableEntryActive
		}
		switch {
		case !active:
			missing = append(missing, req)
		case hasSchema && !entry.IsFresh(now, schema.FreshnessSeconds):
			missing = append(missing, req)
		case hasSchema && schema.RequiredVerification && !entry.Verified:
			missing = append(missing, req)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].CollectionOrder < missing[j].CollectionOrder })
	return missing, nil
}

// Merge merges source's profile into target and deletes source,
// idempotently: channel identities union-dedup, fields union keeping the
// later updated_at (approximated here by CollectedAt, since VariableEntry
// has no separate updated_at), histories concatenated (spec §4.7).
func (s *MemoryCustomerDataStore) Merge(_ context.Context, tenantID, targetCustomerID, sourceCustomerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if targetCustomerID == sourceCustomerID {
		return nil
	}
	srcKey := profileKey(tenantID, sourceCustomerID)
	src, ok := s.profiles[srcKey]
	if !ok {
		return nil // already merged/absent: idempotent no-op
	}
	target := s.getOrCreateLocked(tenantID, targetCustomerID)

	for _, ci := range src.ChannelIdentities {
		dup := false
		for _, existing := range target.ChannelIdentities {
			if existing == ci {
				dup = true
				break
			}
		}
		if !dup {
			target.ChannelIdentities = append(target.ChannelIdentities, ci)
		}
	}

	for name, srcEntry := range src.Fields {
		if tgtEntry, ok := target.Fields[name]; !ok || srcEntry.CollectedAt.After(tgtEntry.CollectedAt) {
			target.Fields[name] = srcEntry
		}
		srcHist := s.history[historyKey(tenantID, sourceCustomerID, name)]
		tgtKey := historyKey(tenantID, targetCustomerID, name)
		s.history[tgtKey] = append(s.history[tgtKey], srcHist...)
	}
	for name, asset := range src.Assets {
		if _, ok := target.Assets[name]; !ok {
			target.Assets[name] = asset
		}
	}
	for name, consent := range src.Consents {
		if _, ok := target.Consents[name]; !ok {
			target.Consents[name] = consent
		}
	}

	delete(s.profiles, srcKey)
	return nil
}
