package cache

import (
	"context"
	"encoding/json"

	"github.com/alignetic/engine/internal/store"
	"github.com/alignetic/engine/pkg/models"
)

// CachingCustomerDataStore wraps a store.CustomerDataStore with write-through
// caching of the full customer aggregate, grounded directly on
// original_source's CustomerDataStoreCacheLayer: GetByCustomer and
// GetByChannelIdentity are cached; field history, MissingFields (depends on
// live profile state plus scenario requirements) and MarkOrphans/
// SweepExpirations (bulk sweeps) bypass the cache entirely, matching the
// original's "no caching - traversal/depends on profile state" comments.
type CachingCustomerDataStore struct {
	store.CustomerDataStore
	cache Cache
	Stats Stats
}

func NewCachingCustomerDataStore(backend store.CustomerDataStore, c Cache) *CachingCustomerDataStore {
	return &CachingCustomerDataStore{CustomerDataStore: backend, cache: c}
}

func customerKey(tenantID, customerID string) string {
	return "profile:customer:" + tenantID + ":" + customerID
}

func channelKey(tenantID, channel, channelUserID string) string {
	return "profile:channel:" + tenantID + ":" + channel + ":" + channelUserID
}

func (c *CachingCustomerDataStore) GetByCustomer(ctx context.Context, tenantID, customerID string) (*models.CustomerDataStore, error) {
	key := customerKey(tenantID, customerID)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var p models.CustomerDataStore
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			c.Stats.hit()
			return &p, nil
		}
	}
	c.Stats.miss()
	p, err := c.CustomerDataStore.GetByCustomer(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	c.setProfile(ctx, tenantID, p)
	return p, nil
}

func (c *CachingCustomerDataStore) GetByChannelIdentity(ctx context.Context, tenantID, channel, channelUserID string) (*models.CustomerDataStore, error) {
	key := channelKey(tenantID, channel, channelUserID)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var p models.CustomerDataStore
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			c.Stats.hit()
			return &p, nil
		}
	}
	c.Stats.miss()
	p, err := c.CustomerDataStore.GetByChannelIdentity(ctx, tenantID, channel, channelUserID)
	if err != nil {
		return nil, err
	}
	c.setProfile(ctx, tenantID, p)
	return p, nil
}

func (c *CachingCustomerDataStore) setProfile(ctx context.Context, tenantID string, p *models.CustomerDataStore) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	c.cache.Set(ctx, customerKey(tenantID, p.CustomerID), string(raw), defaultTTL)
	for _, ci := range p.ChannelIdentities {
		c.cache.Set(ctx, channelKey(tenantID, ci.Channel, ci.ChannelUserID), string(raw), defaultTTL)
	}
}

func (c *CachingCustomerDataStore) invalidateProfile(ctx context.Context, tenantID, customerID string) {
	// The channel keys for this profile are unknown without a read; a bare
	// customer-key invalidation plus this decorator's short TTL bounds the
	// staleness window for channel-keyed lookups to defaultTTL.
	c.cache.Delete(ctx, customerKey(tenantID, customerID))
	c.Stats.invalidate()
}

func (c *CachingCustomerDataStore) LinkChannelIdentity(ctx context.Context, tenantID, customerID string, identity models.ChannelIdentity) error {
	if err := c.CustomerDataStore.LinkChannelIdentity(ctx, tenantID, customerID, identity); err != nil {
		return err
	}
	c.invalidateProfile(ctx, tenantID, customerID)
	return nil
}

func (c *CachingCustomerDataStore) UpdateField(ctx context.Context, tenantID, customerID string, entry models.VariableEntry) error {
	if err := c.CustomerDataStore.UpdateField(ctx, tenantID, customerID, entry); err != nil {
		return err
	}
	c.invalidateProfile(ctx, tenantID, customerID)
	return nil
}

func (c *CachingCustomerDataStore) Merge(ctx context.Context, tenantID, targetCustomerID, sourceCustomerID string) error {
	if err := c.CustomerDataStore.Merge(ctx, tenantID, targetCustomerID, sourceCustomerID); err != nil {
		return err
	}
	c.invalidateProfile(ctx, tenantID, targetCustomerID)
	c.invalidateProfile(ctx, tenantID, sourceCustomerID)
	return nil
}
