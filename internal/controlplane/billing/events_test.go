package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	payload := []byte(`{
		"event_id": "evt-123",
		"event_type": "SUBSCRIPTION_CHANGE",
		"action_finality": "effective",
		"subscription_id": "sub-1",
		"effective_date": "2026-03-01T12:00:00Z",
		"payload": {"plan_name": "premium"}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt-123", ev.EventID)
	assert.Equal(t, EventSubscriptionChange, ev.Type)
	assert.Equal(t, FinalityEffective, ev.Finality)
	assert.Equal(t, "sub-1", ev.SubscriptionID)
	assert.Equal(t, "premium", ev.Payload.PlanName)
	assert.True(t, ev.EffectiveDate.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestParseEventUnknownTypeNarrows(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event_id": "evt-1", "event_type": "SUBSCRIPTION_BCD", "action_finality": "effective"}`))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Type)
	assert.Equal(t, "SUBSCRIPTION_BCD", ev.RawType)
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	assert.Error(t, err, "malformed JSON must not parse")

	_, err = ParseEvent([]byte(`{"event_type": "SUBSCRIPTION_CHANGE"}`))
	assert.Error(t, err, "missing event_id must not parse")
}
