package agent

import (
	"time"

	"github.com/moltenlabs/cabal/types"
)

// EventType tags an Event variant.
type EventType string

const (
	EventAgentSpawned  EventType = "agent_spawned"
	EventStatusChanged EventType = "status_changed"
	EventTaskComplete  EventType = "task_complete"
	EventAgentFailed   EventType = "agent_failed"
	EventTokenUsage    EventType = "token_usage"
	EventPong          EventType = "pong"
)

// Event is a notification flowing from an agent to its controller. Like Op,
// the set of variants is closed and EventVisitor must cover all of them.
type Event interface {
	Type() EventType
	Agent() types.AgentID
	AgentDepth() int
	Timestamp() time.Time
	Cause() types.OpID
	// IsTerminal is true for TaskComplete and AgentFailed.
	IsTerminal() bool
	Accept(v EventVisitor)
	isEvent()
}

// EventVisitor handles every Event variant.
type EventVisitor interface {
	VisitAgentSpawned(AgentSpawned)
	VisitStatusChanged(StatusChanged)
	VisitTaskComplete(TaskComplete)
	VisitAgentFailed(AgentFailed)
	VisitTokenUsage(TokenUsage)
	VisitPong(Pong)
}

// EventMeta is shared by all variants. Depth is the depth of AgentID at the
// time the event was produced.
type EventMeta struct {
	AgentID types.AgentID `json:"agent_id"`
	Depth   int           `json:"depth"`
	OpID    types.OpID    `json:"op_id,omitempty"`
	At      time.Time     `json:"at"`
}

func (m EventMeta) Agent() types.AgentID { return m.AgentID }
func (m EventMeta) AgentDepth() int      { return m.Depth }
func (m EventMeta) Timestamp() time.Time { return m.At }
func (m EventMeta) Cause() types.OpID    { return m.OpID }

// AgentSpawned is the first event every node produces.
type AgentSpawned struct {
	EventMeta
	Role     types.AgentRole `json:"role"`
	ParentID types.AgentID   `json:"parent_id,omitempty"`
	Task     string          `json:"task,omitempty"`
}

// StatusChanged reports a lifecycle transition.
type StatusChanged struct {
	EventMeta
	From   types.Status `json:"from"`
	Status types.Status `json:"status"`
}

// TaskComplete is the successful terminal event.
type TaskComplete struct {
	EventMeta
	Result types.Result       `json:"result"`
	Usage  types.SessionStats `json:"usage"`
}

// AgentFailed is the failing terminal event. Failures references every child
// failure absorbed on the way; Error is the one that decided the outcome.
type AgentFailed struct {
	EventMeta
	Error    *types.Error        `json:"error"`
	Failures []types.FailureNote `json:"failures,omitempty"`
	Usage    types.SessionStats  `json:"usage"`
}

// TokenUsage reports usage consumed by a leaf.
type TokenUsage struct {
	EventMeta
	Delta types.UsageDelta `json:"delta"`
}

// Pong answers a Ping.
type Pong struct {
	EventMeta
	Status types.Status `json:"status"`
}

func (AgentSpawned) Type() EventType  { return EventAgentSpawned }
func (StatusChanged) Type() EventType { return EventStatusChanged }
func (TaskComplete) Type() EventType  { return EventTaskComplete }
func (AgentFailed) Type() EventType   { return EventAgentFailed }
func (TokenUsage) Type() EventType    { return EventTokenUsage }
func (Pong) Type() EventType          { return EventPong }

func (AgentSpawned) IsTerminal() bool  { return false }
func (StatusChanged) IsTerminal() bool { return false }
func (TaskComplete) IsTerminal() bool  { return true }
func (AgentFailed) IsTerminal() bool   { return true }
func (TokenUsage) IsTerminal() bool    { return false }
func (Pong) IsTerminal() bool          { return false }

func (e AgentSpawned) Accept(v EventVisitor)  { v.VisitAgentSpawned(e) }
func (e StatusChanged) Accept(v EventVisitor) { v.VisitStatusChanged(e) }
func (e TaskComplete) Accept(v EventVisitor)  { v.VisitTaskComplete(e) }
func (e AgentFailed) Accept(v EventVisitor)   { v.VisitAgentFailed(e) }
func (e TokenUsage) Accept(v EventVisitor)    { v.VisitTokenUsage(e) }
func (e Pong) Accept(v EventVisitor)          { v.VisitPong(e) }

func (AgentSpawned) isEvent()  {}
func (StatusChanged) isEvent() {}
func (TaskComplete) isEvent()  {}
func (AgentFailed) isEvent()   {}
func (TokenUsage) isEvent()    {}
func (Pong) isEvent()          {}
