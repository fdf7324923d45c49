package types

// Status is a node lifecycle state.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusActive           Status = "active"
	StatusAwaitingChildren Status = "awaiting_children"
	StatusMerging          Status = "merging"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// validTransitions lists the legal moves. Cancelled is not terminal: a
// cancelled node still reports Failed once its subtree has settled.
var validTransitions = map[Status][]Status{
	StatusSpawning:         {StatusActive, StatusCancelled, StatusFailed},
	StatusActive:           {StatusAwaitingChildren, StatusMerging, StatusCancelled, StatusFailed},
	StatusAwaitingChildren: {StatusMerging, StatusCancelled, StatusFailed},
	StatusMerging:          {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCancelled:        {StatusFailed},
	StatusCompleted:        {},
	StatusFailed:           {},
}

// CanTransition checks whether from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports Completed or Failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// TransitionError builds the error returned for an illegal move.
func TransitionError(id AgentID, from, to Status) *Error {
	return Errorf(ErrInvalidTransition, "invalid status transition: %s -> %s", from, to).WithAgent(id)
}
