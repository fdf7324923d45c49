package agent

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltenlabs/cabal/types"
)

func ok(id types.AgentID, summary string, in, out int) ChildOutcome {
	u := types.SessionStats{TokensIn: in, TokensOut: out}
	return ChildOutcome{ID: id, Result: &types.Result{Summary: summary, Artifacts: [][]byte{[]byte(summary)}, Usage: u}, Usage: u}
}

func failed(id types.AgentID, code types.ErrorCode, in, out int) ChildOutcome {
	return ChildOutcome{
		ID:    id,
		Err:   types.NewError(code, string(id)+" failed").WithAgent(id),
		Usage: types.SessionStats{TokensIn: in, TokensOut: out},
	}
}

func TestMerge_AllSucceedInSpawnOrder(t *testing.T) {
	refs := []ChildRef{{ID: "a", Required: true}, {ID: "b", Required: true}, {ID: "c"}}
	// Arrival order differs from spawn order.
	outs := []ChildOutcome{ok("c", "C", 1, 1), ok("a", "A", 10, 5), ok("b", "B", 2, 3)}

	got := NewMerger(PolicyDegrade).Merge(refs, outs)

	require.False(t, got.Failed())
	assert.Equal(t, "A\n\nB\n\nC", got.Result.Summary)
	assert.Equal(t, [][]byte{[]byte("A"), []byte("B"), []byte("C")}, got.Result.Artifacts)
	assert.Equal(t, types.UsageDelta{TokensIn: 13, TokensOut: 9}, got.Usage.Tokens())
	assert.Empty(t, got.Failures)
}

func TestMerge_RequiredFailureFailsParent(t *testing.T) {
	refs := []ChildRef{{ID: "a", Required: true}, {ID: "b", Required: true}}
	outs := []ChildOutcome{ok("a", "A", 10, 5), failed("b", types.ErrToolExecutionFailed, 3, 1)}

	got := NewMerger(PolicyDegrade).Merge(refs, outs)

	require.True(t, got.Failed())
	assert.Equal(t, types.ErrToolExecutionFailed, got.Err.Code)
	assert.Equal(t, types.AgentID("b"), got.Err.AgentID)
	assert.Equal(t, types.UsageDelta{TokensIn: 13, TokensOut: 6}, got.Usage.Tokens())
	require.Len(t, got.Failures, 1)
	assert.True(t, got.Failures[0].Required)
}

func TestMerge_OptionalFailureDegrades(t *testing.T) {
	refs := []ChildRef{{ID: "a", Required: true}, {ID: "opt"}, {ID: "b", Required: true}}
	outs := []ChildOutcome{ok("a", "A", 1, 1), failed("opt", types.ErrToolExecutionFailed, 1, 0), ok("b", "B", 1, 1)}

	got := NewMerger(PolicyDegrade).Merge(refs, outs)

	require.False(t, got.Failed())
	assert.Equal(t, "A\n\nB", got.Result.Summary)
	require.Len(t, got.Result.Failures, 1)
	assert.Equal(t, types.AgentID("opt"), got.Result.Failures[0].AgentID)
	assert.False(t, got.Result.Failures[0].Required)
	assert.Equal(t, 3, got.Usage.TokensIn)
}

func TestMerge_FirstRequiredFailureBySpawnOrder(t *testing.T) {
	refs := []ChildRef{{ID: "opt"}, {ID: "r1", Required: true}, {ID: "r2", Required: true}}
	outs := []ChildOutcome{
		failed("r2", types.ErrTimeout, 0, 0),
		failed("r1", types.ErrToolExecutionFailed, 0, 0),
		failed("opt", types.ErrPlanningFailed, 0, 0),
	}

	got := NewMerger(PolicyDegrade).Merge(refs, outs)

	require.True(t, got.Failed())
	assert.Equal(t, types.AgentID("r1"), got.Err.AgentID)
	require.Len(t, got.Failures, 3)
	assert.Equal(t, []types.AgentID{"opt", "r1", "r2"},
		[]types.AgentID{got.Failures[0].AgentID, got.Failures[1].AgentID, got.Failures[2].AgentID})
}

func TestMerge_AbortPolicy(t *testing.T) {
	refs := []ChildRef{{ID: "a", Required: true}, {ID: "opt"}}
	outs := []ChildOutcome{ok("a", "A", 1, 1), failed("opt", types.ErrToolExecutionFailed, 0, 0)}

	got := NewMerger(PolicyAbort).Merge(refs, outs)
	require.True(t, got.Failed())
	assert.Equal(t, types.AgentID("opt"), got.Err.AgentID)
}

func TestMerge_NestedFailuresBubbleUp(t *testing.T) {
	inner := types.FailureNote{AgentID: "deep", Code: types.ErrToolExecutionFailed, Message: "x"}
	child := ok("a", "A", 1, 1)
	child.Result.Failures = []types.FailureNote{inner}

	got := NewMerger(PolicyDegrade).Merge([]ChildRef{{ID: "a", Required: true}}, []ChildOutcome{child})
	require.False(t, got.Failed())
	assert.Equal(t, []types.FailureNote{inner}, got.Result.Failures)
}

func TestMerge_FailedChildKeepsSubtreeFailures(t *testing.T) {
	deep := types.FailureNote{AgentID: "deep-opt", Code: types.ErrToolExecutionFailed, Message: "optional gave up"}
	child := failed("lead", types.ErrToolExecutionFailed, 2, 1)
	child.Failures = []types.FailureNote{deep}
	refs := []ChildRef{{ID: "lead", Required: true}}

	got := NewMerger(PolicyDegrade).Merge(refs, []ChildOutcome{child})

	require.True(t, got.Failed())
	require.Len(t, got.Failures, 2)
	assert.Equal(t, types.AgentID("lead"), got.Failures[0].AgentID)
	assert.True(t, got.Failures[0].Required)
	assert.Equal(t, deep, got.Failures[1])
}

func TestMerge_Inconsistent(t *testing.T) {
	refs := []ChildRef{{ID: "a", Required: true}}

	tests := map[string][]ChildOutcome{
		"unknown child": {ok("a", "A", 1, 0), ok("ghost", "G", 1, 0)},
		"duplicate":     {ok("a", "A", 1, 0), ok("a", "A", 1, 0)},
		"missing":       {},
	}
	for name, outs := range tests {
		t.Run(name, func(t *testing.T) {
			got := NewMerger(PolicyDegrade).Merge(refs, outs)
			require.True(t, got.Failed())
			assert.Equal(t, types.ErrMergeInconsistent, got.Err.Code)
			assert.Empty(t, got.Result.Summary)
		})
	}
}

func TestMerge_TimeWindow(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t1, t2 := t0.Add(time.Second), t0.Add(3*time.Second)

	a := ok("a", "A", 1, 1)
	a.Usage.StartedAt, a.Usage.CompletedAt = t1, &t2
	b := ok("b", "B", 1, 1)
	b.Usage.StartedAt, b.Usage.CompletedAt = t0, &t1

	got := NewMerger(PolicyDegrade).Merge([]ChildRef{{ID: "a"}, {ID: "b"}}, []ChildOutcome{a, b})
	assert.Equal(t, t0, got.Usage.StartedAt)
	require.NotNil(t, got.Usage.CompletedAt)
	assert.Equal(t, t2, *got.Usage.CompletedAt)
}

// randomChildren builds n refs and outcomes from seed.
func randomChildren(seed int64, n int) ([]ChildRef, []ChildOutcome) {
	r := rand.New(rand.NewSource(seed))
	refs := make([]ChildRef, n)
	outs := make([]ChildOutcome, n)
	for i := 0; i < n; i++ {
		id := types.AgentID(fmt.Sprintf("c%d", i))
		refs[i] = ChildRef{ID: id, Required: r.Intn(2) == 0}
		in, out := r.Intn(100), r.Intn(100)
		if r.Intn(3) == 0 {
			outs[i] = failed(id, types.ErrToolExecutionFailed, in, out)
		} else {
			outs[i] = ok(id, fmt.Sprintf("s%d", i), in, out)
		}
	}
	return refs, outs
}

func TestProperty_MergeDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("same children give the same merge regardless of arrival order", prop.ForAll(
		func(seed int64, n int, abort bool) bool {
			refs, outs := randomChildren(seed, n)
			policy := PolicyDegrade
			if abort {
				policy = PolicyAbort
			}
			m := NewMerger(policy)

			first := m.Merge(refs, outs)
			again := m.Merge(refs, outs)

			shuffled := append([]ChildOutcome(nil), outs...)
			rand.New(rand.NewSource(seed+1)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			reordered := m.Merge(refs, shuffled)

			return reflect.DeepEqual(first, again) && reflect.DeepEqual(first, reordered)
		},
		gen.Int64(),
		gen.IntRange(1, 12),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestProperty_MergeConservesUsage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("merged usage is the sum over succeeded and failed children", prop.ForAll(
		func(seed int64, n int) bool {
			refs, outs := randomChildren(seed, n)
			var want types.UsageDelta
			for _, o := range outs {
				want = want.Add(o.Usage.Tokens())
			}
			return NewMerger(PolicyDegrade).Merge(refs, outs).Usage.Tokens() == want
		},
		gen.Int64(),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
