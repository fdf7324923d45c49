package types

import "github.com/google/uuid"

// AgentID uniquely identifies a node for its whole lifetime. IDs are never reused.
type AgentID string

// OpID correlates an Op with the events it causes.
type OpID string

// SessionID identifies one orchestration run.
type SessionID string

// NewAgentID allocates a fresh agent id.
func NewAgentID() AgentID { return AgentID("agt_" + uuid.NewString()) }

// NewOpID allocates a fresh operation id.
func NewOpID() OpID { return OpID("op_" + uuid.NewString()) }

// NewSessionID allocates a fresh session id.
func NewSessionID() SessionID { return SessionID("ses_" + uuid.NewString()) }

func (id AgentID) String() string   { return string(id) }
func (id OpID) String() string      { return string(id) }
func (id SessionID) String() string { return string(id) }
