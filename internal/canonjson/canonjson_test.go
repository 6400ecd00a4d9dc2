package canonjson_test

import (
	"testing"

	"github.com/alignetic/engine/internal/canonjson"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAndDropsWhitespace(t *testing.T) {
	out, err := canonjson.Marshal(map[string]interface{}{
		"b": 2,
		"a": 1,
		"c": map[string]interface{}{"z": 1, "y": 2},
	})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":{"y":2,"z":1}}`, string(out))
}

func TestMarshal_KeyOrderIndependence(t *testing.T) {
	a, err := canonjson.Marshal(map[string]interface{}{"x": 1, "y": 2})
	require.NoError(t, err)
	b, err := canonjson.Marshal(map[string]interface{}{"y": 2, "x": 1})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestMarshal_RejectsFloats(t *testing.T) {
	_, err := canonjson.Marshal(map[string]interface{}{"score": 1.5})
	require.Error(t, err)

	_, err = canonjson.Marshal(3.14)
	require.Error(t, err)
}

func TestMarshal_StructRoundTripSortsNestedMapKeys(t *testing.T) {
	type step struct {
		Name   string
		Fields map[string]interface{}
	}
	out, err := canonjson.Marshal(step{Name: "collect_email", Fields: map[string]interface{}{"b": 1, "a": 2}})
	require.NoError(t, err)
	require.Equal(t, `{"Fields":{"a":2,"b":1},"Name":"collect_email"}`, string(out))
}

func TestHash_IsDeterministicAcrossKeyOrder(t *testing.T) {
	h1, err := canonjson.Hash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := canonjson.Hash(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestShortHash_Is16HexChars(t *testing.T) {
	h, err := canonjson.ShortHash(map[string]interface{}{"step": "ask_name"})
	require.NoError(t, err)
	require.Len(t, h, 16)
}

func TestShortHash_DifferentInputsDifferentHashes(t *testing.T) {
	h1, err := canonjson.ShortHash(map[string]interface{}{"step": "ask_name"})
	require.NoError(t, err)
	h2, err := canonjson.ShortHash(map[string]interface{}{"step": "ask_email"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
