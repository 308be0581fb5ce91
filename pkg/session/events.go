package session

// EventType defines the type of event being broadcast.
type EventType string

const (
	EventRecipientsUpdated EventType = "recipients_updated"
	EventEstimateUpdated   EventType = "estimate_updated"
	EventGasUsedUpdated    EventType = "gas_used_updated"
	EventSendFinished      EventType = "send_finished"
	EventPortfolioUpdated  EventType = "portfolio_updated"
	EventComparisonUpdated EventType = "comparison_updated"
	EventStatusUpdated     EventType = "status_updated"
)

// Event is a state change. Data holds a copy of the changed value.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Status is the payload of EventStatusUpdated.
type Status struct {
	Busy    bool   `json:"busy"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
