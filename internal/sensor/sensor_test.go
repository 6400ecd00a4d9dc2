package sensor_test

import (
	"context"
	"testing"

	"github.com/alignetic/engine/internal/llmclient"
	"github.com/alignetic/engine/internal/sensor"
	"github.com/alignetic/engine/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestSense_ParsesFencedJSONResponse(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault("```json\n" + `{
		"language": "EN",
		"tone": "friendly",
		"sentiment": "positive",
		"urgency": "high",
		"scenario_signal": "continue",
		"situation_facts": ["wants refund"],
		"candidate_variables": {"email": {"value": "a@b.com", "scope": "IDENTITY", "is_update": true}}
	}` + "\n```")

	s, err := sensor.New(stub, sensor.DefaultConfig())
	require.NoError(t, err)

	snap, err := s.Sense(context.Background(), sensor.SenseInput{Message: "I want a refund"})
	require.NoError(t, err)
	require.False(t, snap.SensorDegraded)
	require.Equal(t, "en", snap.Language)
	require.Equal(t, models.SentimentPositive, snap.Sentiment)
	require.Equal(t, models.UrgencyHigh, snap.Urgency)
	require.Equal(t, []string{"wants refund"}, snap.SituationFacts)
	require.Contains(t, snap.CandidateVariables, "email")
	require.True(t, snap.CandidateVariables["email"].IsUpdate)
}

func TestSense_BareObjectNoFence(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`noise before {"language":"fr","sentiment":"negative"} noise after`)
	s, err := sensor.New(stub, sensor.DefaultConfig())
	require.NoError(t, err)

	snap, err := s.Sense(context.Background(), sensor.SenseInput{Message: "bonjour"})
	require.NoError(t, err)
	require.Equal(t, "fr", snap.Language)
	require.Equal(t, models.SentimentNegative, snap.Sentiment)
}

func TestSense_InvalidLanguageDefaultsToEn(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`{"language": "english"}`)
	s, err := sensor.New(stub, sensor.DefaultConfig())
	require.NoError(t, err)

	snap, err := s.Sense(context.Background(), sensor.SenseInput{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "en", snap.Language)
}

func TestSense_NoJSONReturnsDegradedSnapshot(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault("I cannot help with that.")
	s, err := sensor.New(stub, sensor.DefaultConfig())
	require.NoError(t, err)

	snap, err := s.Sense(context.Background(), sensor.SenseInput{Message: "hi"})
	require.NoError(t, err)
	require.True(t, snap.SensorDegraded)
	require.Equal(t, "en", snap.Language)
}

func TestSense_UnknownEnumFallsBackToDefault(t *testing.T) {
	stub := llmclient.NewStubClient().WithDefault(`{"sentiment": "ecstatic", "urgency": "whenever"}`)
	s, err := sensor.New(stub, sensor.DefaultConfig())
	require.NoError(t, err)

	snap, err := s.Sense(context.Background(), sensor.SenseInput{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, models.SentimentNeutral, snap.Sentiment)
	require.Equal(t, models.UrgencyNormal, snap.Urgency)
}

func TestSense_LLMErrorReturnsDegradedSnapshotWithoutError(t *testing.T) {
	stub := llmclient.NewStubClient() // no responses configured, no default -> always errors
	s, err := sensor.New(stub, sensor.DefaultConfig())
	require.NoError(t, err)

	snap, err := s.Sense(context.Background(), sensor.SenseInput{Message: "hi"})
	require.NoError(t, err)
	require.True(t, snap.SensorDegraded)
}
