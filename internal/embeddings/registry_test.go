package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterGetList(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", NewStubDriver(16))

	d, err := reg.Get("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", d.Kind())
	assert.Equal(t, 16, d.Dimensions())

	_, err = reg.Get("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"stub"}, reg.List())
}

func TestRegistryHealthCheckAll(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", NewStubDriver(8))

	results := reg.HealthCheckAll(context.Background())
	require.Len(t, results, 1)
	assert.NoError(t, results["stub"])
}

func TestStubDriverDeterministic(t *testing.T) {
	d := NewStubDriver(32)
	a, err := d.Embed(context.Background(), []string{"check my balance"})
	require.NoError(t, err)
	b, err := d.Embed(context.Background(), []string{"check my balance"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 32)
}

func TestChunkedSplitsAndConcatenates(t *testing.T) {
	var batches [][]string
	embed := func(_ context.Context, batch []string) ([][]float64, error) {
		batches = append(batches, batch)
		out := make([][]float64, len(batch))
		for i := range batch {
			out[i] = []float64{float64(len(batch[i]))}
		}
		return out, nil
	}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := chunked(context.Background(), texts, 2, embed)
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	assert.Len(t, batches, 3)
	for i, text := range texts {
		assert.Equal(t, float64(len(text)), vectors[i][0])
	}
}
