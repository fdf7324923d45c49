package types

import "time"

// SessionStats is per-node usage accounting. Only the owning node mutates it.
type SessionStats struct {
	TokensIn    int        `json:"tokens_in" yaml:"tokens_in"`
	TokensOut   int        `json:"tokens_out" yaml:"tokens_out"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// UsageDelta is an increment of token usage.
type UsageDelta struct {
	TokensIn  int `json:"tokens_in" yaml:"tokens_in"`
	TokensOut int `json:"tokens_out" yaml:"tokens_out"`
}

// Add returns the elementwise sum of two deltas.
func (d UsageDelta) Add(o UsageDelta) UsageDelta {
	return UsageDelta{TokensIn: d.TokensIn + o.TokensIn, TokensOut: d.TokensOut + o.TokensOut}
}

// IsZero reports whether both counters are zero.
func (d UsageDelta) IsZero() bool { return d.TokensIn == 0 && d.TokensOut == 0 }

// Tokens returns the token counters of s as a delta.
func (s SessionStats) Tokens() UsageDelta {
	return UsageDelta{TokensIn: s.TokensIn, TokensOut: s.TokensOut}
}

// Add sums the token counters of other into s and widens the time window:
// StartedAt becomes the earlier non-zero start, CompletedAt the later end.
func (s *SessionStats) Add(other SessionStats) {
	s.TokensIn += other.TokensIn
	s.TokensOut += other.TokensOut

	if !other.StartedAt.IsZero() && (s.StartedAt.IsZero() || other.StartedAt.Before(s.StartedAt)) {
		s.StartedAt = other.StartedAt
	}
	if other.CompletedAt != nil && (s.CompletedAt == nil || other.CompletedAt.After(*s.CompletedAt)) {
		t := *other.CompletedAt
		s.CompletedAt = &t
	}
}

// Clone returns a deep copy.
func (s SessionStats) Clone() SessionStats {
	cp := s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// FailureNote references a child failure absorbed into a merged outcome.
type FailureNote struct {
	AgentID  AgentID   `json:"agent_id" yaml:"agent_id"`
	Required bool      `json:"required" yaml:"required"`
	Code     ErrorCode `json:"code" yaml:"code"`
	Message  string    `json:"message" yaml:"message"`
}

// NoteFor builds a FailureNote from an arbitrary error.
func NoteFor(id AgentID, required bool, err error) FailureNote {
	e := AsError(err, ErrToolExecutionFailed)
	return FailureNote{AgentID: id, Required: required, Code: e.Code, Message: e.Message}
}

// Result is produced exactly once per node.
type Result struct {
	Summary   string        `json:"summary" yaml:"summary"`
	Artifacts [][]byte      `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Usage     SessionStats  `json:"usage" yaml:"usage"`
	Failures  []FailureNote `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Degraded reports whether the result absorbed optional failures.
func (r Result) Degraded() bool { return len(r.Failures) > 0 }
