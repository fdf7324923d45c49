package agent

import "github.com/moltenlabs/cabal/types"

// OpKind tags an Op variant.
type OpKind string

const (
	OpUserInput OpKind = "user_input"
	OpDelegate  OpKind = "delegate"
	OpCancel    OpKind = "cancel"
	OpPing      OpKind = "ping"
)

// Op is a command flowing from a controller to an agent. The set of variants
// is closed: only this package can add one, and OpVisitor must grow with it.
type Op interface {
	ID() types.OpID
	Kind() OpKind
	Accept(v OpVisitor)
	isOp()
}

// OpVisitor handles every Op variant.
type OpVisitor interface {
	VisitUserInput(UserInput)
	VisitDelegate(Delegate)
	VisitCancel(Cancel)
	VisitPing(Ping)
}

// Subtask is one unit of delegated work.
type Subtask struct {
	Description string          `json:"description" yaml:"description"`
	Role        types.AgentRole `json:"role" yaml:"role"`
	Required    bool            `json:"required" yaml:"required"`
}

// UserInput carries a task for the receiving node.
type UserInput struct {
	OpID types.OpID `json:"op_id"`
	Text string     `json:"text"`
}

// Delegate asks the receiving node to run exactly Subtask through a new child.
type Delegate struct {
	OpID    types.OpID `json:"op_id"`
	Subtask Subtask    `json:"subtask"`
}

// Cancel requests that the receiving subtree wind down.
type Cancel struct {
	OpID   types.OpID `json:"op_id"`
	Reason string     `json:"reason"`
}

// Ping asks for a Pong carrying the node's current status.
type Ping struct {
	OpID types.OpID `json:"op_id"`
}

// NewUserInput builds a UserInput with a fresh op id.
func NewUserInput(text string) UserInput { return UserInput{OpID: types.NewOpID(), Text: text} }

// NewDelegate builds a Delegate with a fresh op id.
func NewDelegate(st Subtask) Delegate { return Delegate{OpID: types.NewOpID(), Subtask: st} }

// NewCancel builds a Cancel with a fresh op id.
func NewCancel(reason string) Cancel { return Cancel{OpID: types.NewOpID(), Reason: reason} }

// NewPing builds a Ping with a fresh op id.
func NewPing() Ping { return Ping{OpID: types.NewOpID()} }

func (o UserInput) ID() types.OpID { return o.OpID }
func (o Delegate) ID() types.OpID  { return o.OpID }
func (o Cancel) ID() types.OpID    { return o.OpID }
func (o Ping) ID() types.OpID      { return o.OpID }

func (UserInput) Kind() OpKind { return OpUserInput }
func (Delegate) Kind() OpKind  { return OpDelegate }
func (Cancel) Kind() OpKind    { return OpCancel }
func (Ping) Kind() OpKind      { return OpPing }

func (o UserInput) Accept(v OpVisitor) { v.VisitUserInput(o) }
func (o Delegate) Accept(v OpVisitor)  { v.VisitDelegate(o) }
func (o Cancel) Accept(v OpVisitor)    { v.VisitCancel(o) }
func (o Ping) Accept(v OpVisitor)      { v.VisitPing(o) }

func (UserInput) isOp() {}
func (Delegate) isOp()  {}
func (Cancel) isOp()    {}
func (Ping) isOp()      {}
