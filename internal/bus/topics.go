package bus

// Governance event topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskOverridden   = "task.overridden"
	TopicDispatchIssued   = "dispatch.issued"
	TopicDispatchSkipped  = "dispatch.skipped"
	TopicBrokerCall       = "broker.call"
	TopicGrantChanged     = "grant.changed"
)

// TaskStateChangedEvent is published on every successful task transition.
type TaskStateChangedEvent struct {
	TaskID    string
	FromState string
	ToState   string
	Group     string
	Version   int64
}

// DispatchEvent is published when the dispatch loop issues or skips a dispatch.
type DispatchEvent struct {
	TaskID      string
	Transition  string
	TaskVersion int64
	DispatchKey string
}

// BrokerCallEvent is published when an external call reaches a terminal status.
type BrokerCallEvent struct {
	RequestID string
	Group     string
	Provider  string
	Action    string
	Status    string
	Reason    string
}
