package bus

// Board event topics.
const (
	TopicCardTransitioned = "board.card_transitioned"
	TopicCardPulled       = "board.card_pulled"
	TopicCardPullRejected = "board.pull_rejected"
)

// Pairing session event topics.
const (
	TopicSessionPhaseChanged = "session.phase_changed"
	TopicSessionCheckpoint   = "session.checkpoint"
	TopicSessionResolved     = "session.resolved"
)

// Escalation event topics.
const (
	TopicEscalationRaised   = "escalation.raised"
	TopicEscalationResolved = "escalation.resolved"
	TopicEscalationTimeout  = "escalation.timeout"
)

// Sprint event topics.
const (
	TopicSprintPlanned  = "sprint.planned"
	TopicSprintStalled  = "sprint.stalled"
	TopicSprintReviewed = "sprint.reviewed"
	TopicSprintClosed   = "sprint.closed"
)

// CardTransitionedEvent is published when a card moves between columns.
type CardTransitionedEvent struct {
	CardID     string // Card ID
	SessionID  string // Active session ID, if any
	FromColumn string // Previous column (e.g. Ready)
	ToColumn   string // New column (e.g. InProgress)
	Reason     string // Human-readable reason, set on Blocked moves
}

// CardPulledEvent is published when a worker admits a Ready card.
type CardPulledEvent struct {
	CardID    string
	SessionID string
	WorkerID  string
}

// CardPullRejectedEvent is published when a pull is refused by a WIP limit.
type CardPullRejectedEvent struct {
	CardID   string
	Column   string
	WorkerID string
}

// SessionPhaseEvent is published when a pairing session changes phase.
type SessionPhaseEvent struct {
	SessionID string
	CardID    string
	OldPhase  string
	NewPhase  string
}

// SessionResolvedEvent is published when a session reaches a terminal outcome.
type SessionResolvedEvent struct {
	SessionID string
	CardID    string
	Outcome   string // Committed or Abandoned
	Reason    string
	Cycles    int
}

// EscalationEvent is published when an escalation is raised or resolved.
type EscalationEvent struct {
	SessionID string
	CardID    string
	Tier      int
	Category  string
	Urgency   string
	Option    string // chosen option, set on resolution
	Via       string // how the decision was reached (authority, vote, timeout default)
}

// SprintEvent is published on sprint lifecycle changes.
type SprintEvent struct {
	Sprint      int
	State       string
	Done        int
	CarriedOver int
}
