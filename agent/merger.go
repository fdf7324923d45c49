package agent

import (
	"strings"

	"github.com/moltenlabs/cabal/types"
)

// ChildRef is a child slot in spawn order. Local slots stand for failures
// that happened before a real child existed (planning, rejected spawns).
type ChildRef struct {
	ID       types.AgentID   `json:"id"`
	Role     types.AgentRole `json:"role"`
	Required bool            `json:"required"`
	Local    bool            `json:"local,omitempty"`
}

// ChildOutcome is the terminal report of one child. Exactly one of Result
// and Err is set. Failures carries the notes a failed child gathered from
// its own subtree.
type ChildOutcome struct {
	ID       types.AgentID       `json:"id"`
	Result   *types.Result       `json:"result,omitempty"`
	Err      *types.Error        `json:"error,omitempty"`
	Usage    types.SessionStats  `json:"usage"`
	Failures []types.FailureNote `json:"failures,omitempty"`
}

// Failed reports whether the outcome is a failure.
func (o ChildOutcome) Failed() bool { return o.Err != nil || o.Result == nil }

// MergeOutcome is the folded result of a node's children. When Err is nil
// the node completes with Result; otherwise it fails with Err and Failures.
type MergeOutcome struct {
	Result   types.Result        `json:"result"`
	Err      *types.Error        `json:"error,omitempty"`
	Failures []types.FailureNote `json:"failures,omitempty"`
	Usage    types.SessionStats  `json:"usage"`
}

// Failed reports whether the node should emit AgentFailed.
func (m MergeOutcome) Failed() bool { return m.Err != nil }

// Merger folds child outcomes. It is a pure function of its inputs: the same
// refs and outcomes always produce the same MergeOutcome, whatever order the
// outcomes arrived in.
type Merger struct {
	Policy    FailurePolicy
	Separator string
}

// NewMerger creates a merger for policy.
func NewMerger(policy FailurePolicy) Merger {
	if policy == "" {
		policy = PolicyDegrade
	}
	return Merger{Policy: policy, Separator: "\n\n"}
}

// Merge folds outcomes in the spawn order given by refs. Every ref must have
// exactly one outcome and every outcome must belong to a ref; anything else
// is MERGE_INCONSISTENT and no partial result is produced.
func (m Merger) Merge(refs []ChildRef, outcomes []ChildOutcome) MergeOutcome {
	byID := make(map[types.AgentID]ChildOutcome, len(outcomes))
	known := make(map[types.AgentID]bool, len(refs))
	for _, ref := range refs {
		if known[ref.ID] {
			return inconsistent(outcomes, "child %s referenced twice", ref.ID)
		}
		known[ref.ID] = true
	}
	for _, o := range outcomes {
		if !known[o.ID] {
			return inconsistent(outcomes, "outcome for unknown child %s", o.ID)
		}
		if _, dup := byID[o.ID]; dup {
			return inconsistent(outcomes, "duplicate outcome for child %s", o.ID)
		}
		byID[o.ID] = o
	}

	var (
		usage     types.SessionStats
		summaries []string
		artifacts [][]byte
		failures  []types.FailureNote
		decisive  *types.Error
	)
	for _, ref := range refs {
		o, ok := byID[ref.ID]
		if !ok {
			return inconsistent(outcomes, "no outcome for child %s", ref.ID)
		}
		usage.Add(o.Usage)

		if !o.Failed() {
			if o.Result.Summary != "" {
				summaries = append(summaries, o.Result.Summary)
			}
			artifacts = append(artifacts, o.Result.Artifacts...)
			// Optional failures deeper down stay visible at every level.
			failures = append(failures, o.Result.Failures...)
			continue
		}

		err := o.Err
		if err == nil {
			err = types.NewError(types.ErrMergeInconsistent, "outcome without result or error")
		}
		if err.AgentID == "" {
			err = err.Clone().WithAgent(ref.ID)
		}
		failures = append(failures, types.NoteFor(ref.ID, ref.Required, err))
		failures = append(failures, o.Failures...)
		if decisive == nil && (ref.Required || m.Policy == PolicyAbort) {
			decisive = err
		}
	}

	out := MergeOutcome{Usage: usage, Failures: failures}
	if decisive != nil {
		out.Err = decisive
		return out
	}
	out.Result = types.Result{
		Summary:   strings.Join(summaries, m.separator()),
		Artifacts: artifacts,
		Usage:     usage.Clone(),
		Failures:  failures,
	}
	return out
}

func (m Merger) separator() string {
	if m.Separator == "" {
		return "\n\n"
	}
	return m.Separator
}

// inconsistent still sums usage so that conservation holds even on an
// aborted merge.
func inconsistent(outcomes []ChildOutcome, format string, args ...any) MergeOutcome {
	var usage types.SessionStats
	seen := make(map[types.AgentID]bool, len(outcomes))
	for _, o := range outcomes {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		usage.Add(o.Usage)
	}
	return MergeOutcome{
		Err:   types.Errorf(types.ErrMergeInconsistent, format, args...),
		Usage: usage,
	}
}
