package persistence

import (
	"time"

	"github.com/google/uuid"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// Record is the stored form of one agent.Checkpoint. It is flat so every
// backend, including SQL, can index it directly.
type Record struct {
	ID           string          `json:"id" gorm:"primaryKey;size:64"`
	SessionID    types.SessionID `json:"session_id" gorm:"index;size:64"`
	AgentID      types.AgentID   `json:"agent_id" gorm:"index;size:64"`
	ParentID     types.AgentID   `json:"parent_id,omitempty" gorm:"size:64"`
	Role         string          `json:"role" gorm:"size:128"`
	Depth        int             `json:"depth"`
	Status       types.Status    `json:"status" gorm:"size:32;index"`
	EventType    agent.EventType `json:"event_type" gorm:"size:32"`
	OpID         types.OpID      `json:"op_id,omitempty" gorm:"size:64"`
	Terminal     bool            `json:"terminal" gorm:"index"`
	TokensIn     int             `json:"tokens_in"`
	TokensOut    int             `json:"tokens_out"`
	Summary      string          `json:"summary,omitempty" gorm:"type:text"`
	Failures     int             `json:"failures,omitempty"`
	ErrorCode    types.ErrorCode `json:"error_code,omitempty" gorm:"size:64"`
	ErrorMessage string          `json:"error_message,omitempty" gorm:"type:text"`
	At           time.Time       `json:"at" gorm:"column:recorded_at;index"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TableName sets the SQL table name.
func (Record) TableName() string { return "cabal_checkpoints" }

// FromCheckpoint flattens cp into a Record with a fresh ID.
func FromCheckpoint(cp agent.Checkpoint) *Record {
	rec := &Record{
		ID:        uuid.NewString(),
		SessionID: cp.SessionID,
		AgentID:   cp.AgentID,
		ParentID:  cp.ParentID,
		Role:      cp.Role.String(),
		Depth:     cp.Depth,
		Status:    cp.Status,
		EventType: cp.EventType,
		OpID:      cp.OpID,
		Terminal:  cp.EventType == agent.EventTaskComplete || cp.EventType == agent.EventAgentFailed,
		TokensIn:  cp.Usage.TokensIn,
		TokensOut: cp.Usage.TokensOut,
		At:        cp.At,
	}
	if cp.Result != nil {
		rec.Summary = cp.Result.Summary
		rec.Failures = len(cp.Result.Failures)
	}
	if cp.Error != nil {
		rec.ErrorCode = cp.Error.Code
		rec.ErrorMessage = cp.Error.Message
	}
	return rec
}

func (r *Record) prepare(now time.Time) error {
	if r == nil {
		return ErrInvalidInput
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.At.IsZero() {
		r.At = r.CreatedAt
	}
	r.At = r.At.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return nil
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}
