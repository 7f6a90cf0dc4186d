package domain

// Status is the lifecycle state of a Delivery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPosted     Status = "posted"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusPosted, StatusFailed, StatusCancelled}

func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return Status(s), false
}

func (s Status) String() string { return string(s) }

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPosted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransitions defines the allowed status transitions for deliveries.
// processing -> pending is the retry edge.
var ValidTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusPosted, StatusPending, StatusFailed},
}

// CanTransitionTo returns true if moving from s to next is valid.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
