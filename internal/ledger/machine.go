package ledger

import "errors"

// Status is the provider-facing lifecycle state of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// EventType tags an append-only ledger entry. Every outbound message gets
// exactly one dispatch-decision event (SENT, SUPPRESSED or BLOCKED) and at
// most one terminal delivery event (DELIVERED or FAILED).
type EventType string

const (
	EventSent       EventType = "SENT"
	EventDelivered  EventType = "DELIVERED"
	EventFailed     EventType = "FAILED"
	EventSuppressed EventType = "SUPPRESSED"
	EventBlocked    EventType = "BLOCKED"
)

// ErrInvalidTransition is returned when a requested status edge is not in the
// machine.
var ErrInvalidTransition = errors.New("ledger: invalid status transition")

// transitions lists the legal edges. Delivery receipts may arrive before the
// send attempt's own status write lands, so terminal edges accept queued as a
// prior state; delivered and failed never follow one another.
var transitions = map[Status][]Status{
	StatusQueued: {StatusSent, StatusDelivered, StatusFailed, StatusBlocked},
	StatusSent:   {StatusDelivered, StatusFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status changes may follow.
func IsTerminal(s Status) bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusBlocked
}

// PriorStates returns the statuses from which `to` may be reached, used to
// build guarded conditional updates.
func PriorStates(to Status) []Status {
	var priors []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				priors = append(priors, from)
			}
		}
	}
	return priors
}

// IsTerminalEvent reports whether the event closes the message lifecycle.
func IsTerminalEvent(e EventType) bool {
	switch e {
	case EventDelivered, EventFailed, EventSuppressed, EventBlocked:
		return true
	}
	return false
}
