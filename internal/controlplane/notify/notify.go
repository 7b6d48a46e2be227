package notify

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventKind classifies an outbound instance notification.
type EventKind string

const (
	KindProvisioned     EventKind = "provisioned"
	KindPlanChanged     EventKind = "plan_changed"
	KindSuspended       EventKind = "suspended"
	KindReactivated     EventKind = "reactivated"
	KindPaymentRequired EventKind = "payment_required"
	KindTerminated      EventKind = "terminated"
)

// Notifier dispatches instance notifications. Implementations must be safe
// for concurrent use; delivery failures are the notifier's problem and must
// never propagate into the caller.
type Notifier interface {
	Notify(instanceID string, kind EventKind)
}

// LogNotifier writes notifications to the log. Used when no delivery channel
// is configured, and as the durable audit trail in front of any real sender.
type LogNotifier struct{}

// NewLogNotifier returns a Notifier backed by the log.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(instanceID string, kind EventKind) {
	log.Info().
		Str("notification_id", uuid.NewString()).
		Str("instance_id", instanceID).
		Str("kind", string(kind)).
		Msg("Instance notification")
}

// Async wraps a Notifier so delivery happens off the caller's goroutine,
// making fire-and-forget explicit at the call site.
type Async struct {
	inner Notifier
}

// NewAsync wraps inner in asynchronous dispatch.
func NewAsync(inner Notifier) *Async {
	return &Async{inner: inner}
}

// Notify implements Notifier.
func (a *Async) Notify(instanceID string, kind EventKind) {
	go a.inner.Notify(instanceID, kind)
}
