// Package reconcile implements the customer-data reconciliation phase
// (spec §4.7 / §4.10 phase 7): applying the sensor's candidate variable
// updates through the supersession write path, and evaluating which
// HARD-required fields are missing, stale, or unverified for each
// contributing scenario step.
package reconcile

import (
	"context"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Reconciler binds the customer-data store and the catalogue's field
// schemas/requirements.
type Reconciler struct {
	customers store.CustomerDataStore
	configs   store.AgentConfigStore
}

// New creates a Reconciler.
func New(customers store.CustomerDataStore, configs store.AgentConfigStore) *Reconciler {
	return &Reconciler{customers: customers, configs: configs}
}

// ApplyCandidateVariables writes the sensor's candidate variable updates:
// session-scoped values land on the session's variable bag, customer-scoped
// values go through the customer store's supersession write path. Returns
// the names written to the customer store.
func (r *Reconciler) ApplyCandidateVariables(ctx context.Context, sess *models.Session, snapshot models.SituationSnapshot) []string {
	if len(snapshot.CandidateVariables) == 0 {
		return nil
	}
	if sess.Variables == nil {
		sess.Variables = make(map[string]models.TypedValue)
	}
	if sess.VariableUpdatedAt == nil {
		sess.VariableUpdatedAt = make(map[string]time.Time)
	}

	var written []string
	now := time.Now()
	for name, cand := range snapshot.CandidateVariables {
		sess.Variables[name] = cand.Value
		sess.VariableUpdatedAt[name] = now

		if sess.CustomerProfileID == "" {
			continue
		}
		err := r.customers.UpdateField(ctx, sess.TenantID, sess.CustomerProfileID, models.VariableEntry{
			Name:       name,
			CustomerID: sess.CustomerProfileID,
			TenantID:   sess.TenantID,
			Value:      cand.Value,
			ValueType:  cand.Value.Type,
			Source:     models.VariableSourceInferred,
			SourceMetadata: map[string]string{
				"scope":     cand.Scope,
				"turn":      "sensor",
				"is_update": boolStr(cand.IsUpdate),
			},
		})
		if err != nil {
			log.Warn().Err(err).Str("field", name).Msg("candidate variable write failed")
			continue
		}
		written = append(written, name)
	}
	return written
}

// MissingHardFields evaluates the HARD-level field requirements of every
// contributing scenario's current step against the session's customer,
// returning requirements in collection order (spec §4.7).
func (r *Reconciler) MissingHardFields(ctx context.Context, sess *models.Session, contributions []models.ScenarioContribution) ([]models.ScenarioFieldRequirement, error) {
	if sess.CustomerProfileID == "" || len(contributions) == 0 {
		return nil, nil
	}

	fields, err := r.configs.ListCustomerDataFields(ctx, sess.TenantID, sess.AgentID, store.ListFilter{})
	if err != nil {
		return nil, err
	}

	// Expiration runs on every status-aware read (spec §4.7).
	if _, err := r.customers.SweepExpirations(ctx, sess.TenantID, sess.CustomerProfileID, time.Now()); err != nil {
		log.Warn().Err(err).Msg("expiration sweep on read failed")
	}

	var missing []models.ScenarioFieldRequirement
	seen := make(map[string]bool)
	for _, c := range contributions {
		reqs, err := r.configs.ListScenarioFieldRequirements(ctx, sess.TenantID, c.ScenarioID)
		if err != nil {
			return nil, err
		}
		var hard []models.ScenarioFieldRequirement
		for _, req := range reqs {
			if req.RequiredLevel != models.RequiredLevelHard {
				continue
			}
			if req.StepID != "" && req.StepID != c.CurrentStepID {
				continue
			}
			hard = append(hard, req)
		}
		if len(hard) == 0 {
			continue
		}
		m, err := r.customers.MissingFields(ctx, sess.TenantID, sess.CustomerProfileID, hard, fields, time.Now())
		if err != nil {
			return nil, err
		}
		for _, req := range m {
			if !seen[req.FieldName] {
				seen[req.FieldName] = true
				missing = append(missing, req)
			}
		}
	}
	return missing, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
