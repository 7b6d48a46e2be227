package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of billing notifications the control plane
// acts on. Anything else parses as EventUnknown and is logged and dropped,
// never interpreted structurally.
type EventType string

const (
	EventSubscriptionCreation EventType = "SUBSCRIPTION_CREATION"
	EventSubscriptionChange   EventType = "SUBSCRIPTION_CHANGE"
	EventSubscriptionCancel   EventType = "SUBSCRIPTION_CANCEL"
	EventSubscriptionPhase    EventType = "SUBSCRIPTION_PHASE"
	EventPaymentFailed        EventType = "INVOICE_PAYMENT_FAILED"
	EventPaymentSuccess       EventType = "INVOICE_PAYMENT_SUCCESS"
	EventUnknown              EventType = "UNKNOWN"
)

// Finality distinguishes a tentative notification from a confirmed one. The
// billing engine emits "requested" first and may still reverse it; only
// "effective" events drive state changes.
type Finality string

const (
	FinalityRequested Finality = "requested"
	FinalityEffective Finality = "effective"
)

// Phase values carried in subscription payloads.
const (
	PhaseTrial = "TRIAL"
)

// Payload is the event-type-specific body, already narrowed to the fields
// the adapter consumes.
type Payload struct {
	PlanName string `json:"plan_name"`
	Phase    string `json:"phase"`
}

// Event is one inbound billing notification after boundary narrowing.
type Event struct {
	EventID        string    `json:"event_id"`
	Type           EventType `json:"event_type"`
	Finality       Finality  `json:"action_finality"`
	SubscriptionID string    `json:"subscription_id"`
	EffectiveDate  time.Time `json:"effective_date"`
	Payload        Payload   `json:"payload"`

	// RawType preserves the wire value when Type narrows to EventUnknown.
	RawType string `json:"-"`
}

var knownEventTypes = map[EventType]struct{}{
	EventSubscriptionCreation: {},
	EventSubscriptionChange:   {},
	EventSubscriptionCancel:   {},
	EventSubscriptionPhase:    {},
	EventPaymentFailed:        {},
	EventPaymentSuccess:       {},
}

// ParseEvent decodes and narrows a webhook body into an Event.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode billing event: %w", err)
	}
	if strings.TrimSpace(ev.EventID) == "" {
		return nil, fmt.Errorf("billing event missing event_id")
	}
	if _, ok := knownEventTypes[ev.Type]; !ok {
		ev.RawType = string(ev.Type)
		ev.Type = EventUnknown
	}
	return &ev, nil
}
