// Package retention runs the periodic lifecycle sweeps over customer data
// (spec §4.7): expiration of ACTIVE entries past expires_at, orphan marking
// along derivation chains, and archival of superseded history older than
// the retention window.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. Archive failures are fail-safe: data
// is NOT dropped if archiving fails.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/contracts"
	"github.com/alignetic/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultRetentionDays is the archival cutoff for superseded history. The
// janitor applies one cutoff to every field; a field schema's
// retention_days is not consulted.
const DefaultRetentionDays = 30

// DefaultArchiveBatchSize is the max records per archive write.
const DefaultArchiveBatchSize = 5000

// DefaultOrphanDepth bounds derivation-chain traversal (spec §4.7).
const DefaultOrphanDepth = 10

// HistoryLister is the optional store capability the janitor needs to find
// archivable history. MemoryCustomerDataStore implements it; a store that
// does not is still swept (expire + orphan) but never archived.
type HistoryLister interface {
	ListSupersededBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]models.VariableEntry, error)
}

// CycleStats summarizes one tenant's sweep.
type CycleStats struct {
	TenantID string
	Expired  int
	Orphaned int
	Archived int
	Errors   []error
}

// Janitor owns the sweep loop and the registry of archive backends.
type Janitor struct {
	customers store.CustomerDataStore
	interval  time.Duration

	tenantsMu sync.RWMutex
	tenants   map[string]bool

	archiversMu    sync.RWMutex
	archivers      map[string]contracts.ArchiveDriver
	defaultBackend string

	retentionDays int
	orphanDepth   int
	batchSize     int
}

// NewJanitor creates a janitor sweeping the given customer-data store at
// the given interval.
func NewJanitor(customers store.CustomerDataStore, interval time.Duration) *Janitor {
	return &Janitor{
		customers:     customers,
		interval:      interval,
		tenants:       make(map[string]bool),
		archivers:     make(map[string]contracts.ArchiveDriver),
		retentionDays: DefaultRetentionDays,
		orphanDepth:   DefaultOrphanDepth,
		batchSize:     DefaultArchiveBatchSize,
	}
}

// RegisterTenant adds a tenant to the sweep set. The stores have no
// tenant-enumeration operation (every read is tenant-scoped), so the wiring
// layer registers tenants as it sees them.
func (j *Janitor) RegisterTenant(tenantID string) {
	j.tenantsMu.Lock()
	defer j.tenantsMu.Unlock()
	j.tenants[tenantID] = true
}

// RegisterArchiver adds an archive backend. The first registered backend
// becomes the default.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.archiversMu.Lock()
	defer j.archiversMu.Unlock()
	j.archivers[driver.Kind()] = driver
	if j.defaultBackend == "" {
		j.defaultBackend = driver.Kind()
	}
}

// SetDefaultBackend overrides which archiver is used.
func (j *Janitor) SetDefaultBackend(kind string) {
	j.archiversMu.Lock()
	defer j.archiversMu.Unlock()
	j.defaultBackend = kind
}

// GetArchiver returns the archiver of the given kind, or the default when
// kind is empty.
func (j *Janitor) GetArchiver(kind string) (contracts.ArchiveDriver, bool) {
	j.archiversMu.RLock()
	defer j.archiversMu.RUnlock()
	if kind == "" {
		kind = j.defaultBackend
	}
	d, ok := j.archivers[kind]
	return d, ok
}

// Start runs the sweep loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", j.interval).Msg("Retention janitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep across all registered tenants. Exported so
// the reconcile scheduler can drive it from cron as well as the internal
// ticker.
func (j *Janitor) RunCycle(ctx context.Context) []CycleStats {
	j.tenantsMu.RLock()
	tenantIDs := make([]string, 0, len(j.tenants))
	for id := range j.tenants {
		tenantIDs = append(tenantIDs, id)
	}
	j.tenantsMu.RUnlock()

	var all []CycleStats
	for _, tenantID := range tenantIDs {
		stats := j.processTenant(ctx, tenantID)
		all = append(all, stats)
		for _, e := range stats.Errors {
			log.Warn().Err(e).Str("tenant_id", tenantID).Msg("Retention cycle error")
		}
	}
	if len(all) > 0 {
		log.Debug().Int("tenants", len(all)).Msg("Retention cycle complete")
	}
	return all
}

func (j *Janitor) processTenant(ctx context.Context, tenantID string) CycleStats {
	stats := CycleStats{TenantID: tenantID}
	now := time.Now()

	expired, err := j.customers.SweepExpirations(ctx, tenantID, "", now)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
	}
	stats.Expired = expired

	orphaned, err := j.customers.MarkOrphans(ctx, tenantID, "", j.orphanDepth)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
	}
	stats.Orphaned = orphaned

	j.archiveTenant(ctx, tenantID, now, &stats)
	return stats
}

// archiveTenant writes superseded history older than the retention cutoff
// to the default archive backend. Entries stay in the hot store if archival
// fails.
func (j *Janitor) archiveTenant(ctx context.Context, tenantID string, now time.Time, stats *CycleStats) {
	lister, ok := j.customers.(HistoryLister)
	if !ok {
		return
	}
	archiver, ok := j.GetArchiver("")
	if !ok {
		return
	}

	cutoff := now.AddDate(0, 0, -j.retentionDays)
	entries, err := lister.ListSupersededBefore(ctx, tenantID, cutoff, j.batchSize)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	if len(entries) == 0 {
		return
	}

	uri, err := archiver.ArchiveVariableEntries(ctx, tenantID, entries)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.Archived = len(entries)
	log.Info().Str("tenant_id", tenantID).Int("entries", len(entries)).Str("uri", uri).Msg("Archived superseded history")
}
