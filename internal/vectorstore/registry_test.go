package vectorstore

import (
	"context"
	"testing"

	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("embedded", NewEmbeddedStore())

	d, err := reg.Get("embedded")
	require.NoError(t, err)
	assert.Equal(t, "embedded", d.Kind())

	_, err = reg.Get("pgvector")
	assert.Error(t, err, "unregistered drivers are not resolvable")

	results := reg.HealthCheckAll(context.Background())
	assert.NoError(t, results["embedded"])
}

func TestEmbeddedStoreUpsertSearchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewEmbeddedStore()

	require.NoError(t, s.Upsert(ctx, "t1", []models.VectorDoc{
		{ID: "rule:r1", Vector: []float64{1, 0}, Metadata: map[string]string{"entity_type": "rule"}},
		{ID: "scenario:s1", Vector: []float64{0, 1}, Metadata: map[string]string{"entity_type": "scenario"}},
	}))

	results, err := s.Search(ctx, "t1", []float64{1, 0}, 10, map[string]string{"entity_type": "rule"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "rule:r1", results[0].Doc.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)

	// Tenant isolation: another tenant sees nothing.
	other, err := s.Search(ctx, "t2", []float64{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.Delete(ctx, "t1", []string{"rule:r1"}))
	n, err := s.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
