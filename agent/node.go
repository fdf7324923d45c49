package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moltenlabs/cabal/types"
)

type nodeMode int

const (
	modeIdle nodeMode = iota // root waiting for its first op
	modePlanning
	modeDelegating
	modeExecuting
	modeCancelling
	modeDone
)

// childHandle is the parent's view of one child slot.
type childHandle struct {
	ref       ChildRef
	ctrl      *GoblinChannel
	cancel    context.CancelFunc
	terminal  bool
	usageSeen types.UsageDelta // TokenUsage relayed from this subtree so far
}

type childMsg struct {
	child *childHandle
	ev    Event
	err   error
}

type planResult struct {
	plan PlanResult
	err  error
}

type toolOutcome struct {
	res ToolResult
	err error
}

// node is one supervised unit. Everything below is owned by the node's own
// goroutine; other nodes only ever see it through its conduit.
type node struct {
	rt *runtime

	id       types.AgentID
	parentID types.AgentID
	role     types.AgentRole
	depth    int
	task     string
	cause    types.OpID
	ep       *Endpoint

	ctx  context.Context
	stop context.CancelFunc
	span trace.Span

	status    types.Status
	mode      nodeMode
	stats     *SessionTracker
	spawnedAt time.Time

	workCancel context.CancelFunc
	planDone   chan planResult
	toolDone   chan toolOutcome

	children map[types.AgentID]*childHandle
	refs     []ChildRef
	outcomes []ChildOutcome
	inbox    chan childMsg
	fatal    *types.Error

	cancelOp     types.OpID
	cancelReason string
	grace        *time.Timer

	terminalSent bool
	log          *zap.Logger
}

func newNode(rt *runtime, sp *Spawned) *node {
	now := rt.now()
	return &node{
		rt:        rt,
		id:        sp.ID,
		parentID:  sp.ParentID,
		role:      sp.Role,
		depth:     sp.Depth,
		task:      sp.Task,
		ep:        sp.endpoint,
		status:    types.StatusSpawning,
		stats:     NewSessionTracker(now),
		spawnedAt: now,
		children:  make(map[types.AgentID]*childHandle),
		inbox:     make(chan childMsg, rt.cfg.QueueDepth),
		log: rt.logger.With(
			zap.String("agent_id", string(sp.ID)),
			zap.String("role", sp.Role.String()),
			zap.Int("depth", sp.Depth),
		),
	}
}

// run is the node's control loop. It returns once the terminal event has
// been emitted or the node's context is cancelled.
func (n *node) run(parent context.Context) {
	defer n.rt.wg.Done()
	defer n.rt.factory.release(n.id)

	ctx, span := n.rt.tracer.Start(parent, "cabal.agent",
		trace.WithAttributes(
			attribute.String("agent.id", string(n.id)),
			attribute.String("agent.role", n.role.String()),
			attribute.Int("agent.depth", n.depth),
			attribute.String("session.id", string(n.rt.sessionID)),
		))
	ctx = types.WithAgentID(types.WithSessionID(ctx, n.rt.sessionID), n.id)
	n.ctx, n.stop = context.WithCancel(ctx)
	n.span = span
	defer n.shutdown()

	if !n.transition(types.StatusActive) {
		return
	}
	if n.parentID != "" {
		n.start(n.task, n.cause)
	}

	for !n.terminalSent {
		var graceC <-chan time.Time
		if n.grace != nil {
			graceC = n.grace.C
		}

		select {
		case <-n.ctx.Done():
			n.log.Debug("node context done, exiting without report", zap.Error(n.ctx.Err()))
			return
		case <-n.ep.Done():
			n.log.Debug("controller closed the conduit, exiting")
			return
		case op := <-n.ep.Ops():
			op.Accept(n)
		case msg := <-n.inbox:
			n.onChild(msg)
		case r := <-n.planDone:
			n.planDone = nil
			n.onPlan(r)
		case r := <-n.toolDone:
			n.toolDone = nil
			n.onTool(r)
		case <-graceC:
			n.grace = nil
			n.onGraceExpired()
		}

		n.maybeFinish()
	}
}

func (n *node) shutdown() {
	if n.workCancel != nil {
		n.workCancel()
	}
	if n.grace != nil {
		n.grace.Stop()
	}
	n.stop()
	n.ep.Close()
	n.span.End()
}

func (n *node) meta(op types.OpID) EventMeta {
	return EventMeta{AgentID: n.id, Depth: n.depth, OpID: op, At: n.rt.now()}
}

func (n *node) emit(ev Event) bool {
	if err := n.ep.Emit(n.ctx, ev); err != nil {
		n.log.Debug("emit failed", zap.String("event", string(ev.Type())), zap.Error(err))
		return false
	}
	return true
}

// transition moves the node to status, reports it and checkpoints it.
func (n *node) transition(to types.Status) bool {
	from := n.status
	if !types.CanTransition(from, to) {
		n.log.Error("invalid status transition", zap.Error(types.TransitionError(n.id, from, to)))
		return false
	}
	n.status = to
	n.rt.registry.setStatus(n.id, to)
	n.rt.metrics.RecordStatusTransition(string(from), string(to))
	n.span.AddEvent("status", trace.WithAttributes(attribute.String("status", string(to))))

	n.emit(StatusChanged{EventMeta: n.meta(n.cause), From: from, Status: to})
	n.checkpoint(EventStatusChanged, nil, nil)
	return true
}

func (n *node) checkpoint(evType EventType, result *types.Result, err *types.Error) {
	n.rt.checkpoints.dispatch(Checkpoint{
		SessionID: n.rt.sessionID,
		AgentID:   n.id,
		ParentID:  n.parentID,
		Role:      n.role,
		Depth:     n.depth,
		Status:    n.status,
		EventType: evType,
		OpID:      n.cause,
		Usage:     n.stats.Snapshot(),
		Result:    result,
		Error:     err,
		At:        n.rt.now(),
	})
}

// =============================================================================
// Ops
// =============================================================================

func (n *node) VisitUserInput(op UserInput) {
	if n.mode != modeIdle {
		n.log.Warn("ignoring user input while busy", zap.String("op_id", string(op.OpID)), zap.Int("mode", int(n.mode)))
		return
	}
	n.start(op.Text, op.OpID)
}

func (n *node) VisitDelegate(op Delegate) {
	switch n.mode {
	case modeIdle:
		n.task, n.cause = op.Subtask.Description, op.OpID
		n.mode = modeDelegating
		if n.transition(types.StatusAwaitingChildren) {
			n.spawnChild(op.Subtask, op.OpID)
		}
	case modePlanning, modeDelegating:
		n.spawnChild(op.Subtask, op.OpID)
	default:
		n.log.Warn("ignoring delegate", zap.String("op_id", string(op.OpID)), zap.Int("mode", int(n.mode)))
	}
}

func (n *node) VisitCancel(op Cancel) {
	if n.mode == modeCancelling || n.mode == modeDone {
		return
	}
	n.cancelOp, n.cancelReason = op.OpID, op.Reason
	if !n.transition(types.StatusCancelled) {
		return
	}
	if n.workCancel != nil {
		n.workCancel()
	}
	n.mode = modeCancelling
	n.log.Info("cancelling subtree", zap.String("reason", op.Reason), zap.Int("live_children", n.liveChildren()))

	n.forwardCancel(op.Reason)
	// A non-root node with a planner or tool call in flight waits for it; its
	// parent's grace bounds that wait. The root has no parent and bounds it
	// itself.
	if n.liveChildren() > 0 || (n.callInFlight() && n.parentID == "") {
		n.grace = time.NewTimer(n.rt.cfg.graceFor(n.depth))
	}
}

func (n *node) VisitPing(op Ping) {
	n.emit(Pong{EventMeta: n.meta(op.OpID), Status: n.status})
}

// forwardCancel hands Cancel to every live child without blocking the loop.
// Children whose op queue is full get it from a background sender bounded
// by this node's grace, while the loop keeps draining their events. Children
// whose conduit is already gone are skipped; their terminal report is in
// flight or they will be force-finalized.
func (n *node) forwardCancel(reason string) {
	var pending []*GoblinChannel
	for _, id := range n.childOrder() {
		h := n.children[id]
		if h.terminal {
			continue
		}
		sent, err := h.ctrl.TrySend(NewCancel(reason))
		switch {
		case err != nil:
			n.log.Debug("cancel not delivered", zap.String("child_id", string(id)), zap.Error(err))
		case !sent:
			pending = append(pending, h.ctrl)
		}
	}
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.rt.cfg.graceFor(n.depth))
	n.rt.wg.Add(1)
	go func() {
		defer n.rt.wg.Done()
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for _, ctrl := range pending {
			g.Go(func() error {
				if err := ctrl.Send(gctx, NewCancel(reason)); err != nil {
					n.log.Debug("cancel not delivered", zap.String("child_id", string(ctrl.AgentID())), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// =============================================================================
// Work
// =============================================================================

func (n *node) start(task string, cause types.OpID) {
	n.task, n.cause = task, cause
	if n.canDelegate() {
		n.mode = modePlanning
		if !n.transition(types.StatusAwaitingChildren) {
			return
		}
		n.plan()
		return
	}
	n.execute()
}

// canDelegate: a delegating role at the depth limit runs its task itself
// rather than planning children that would all be rejected.
func (n *node) canDelegate() bool {
	return n.role.CanDelegate() && n.depth < n.rt.cfg.MaxDepth
}

func (n *node) workContext() context.Context {
	ctx, cancel := context.WithCancel(n.ctx)
	n.workCancel = cancel
	return ctx
}

func (n *node) plan() {
	ctx := n.workContext()
	req := PlanRequest{AgentID: n.id, Role: n.role, Depth: n.depth, Task: n.task, Hint: n.role.Defaults().PlannerHint}
	done := make(chan planResult, 1)
	n.planDone = done

	go func() {
		ctx, span := n.rt.tracer.Start(ctx, "cabal.plan")
		defer span.End()
		plan, err := n.rt.planner.Plan(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		done <- planResult{plan: plan, err: err}
	}()
}

func (n *node) onPlan(r planResult) {
	n.recordUsage(r.plan.Usage)
	if n.mode != modePlanning {
		return
	}
	n.mode = modeDelegating

	if r.err != nil {
		n.log.Warn("planning failed", zap.Error(r.err))
		err := types.NewError(types.ErrPlanningFailed, r.err.Error()).WithCause(r.err).WithAgent(n.id)
		n.addLocalFailure(n.role, true, err)
		return
	}

	if len(r.plan.Subtasks) == 0 && len(n.refs) == 0 {
		n.log.Debug("empty plan, executing directly")
		n.execute()
		return
	}
	for _, st := range r.plan.Subtasks {
		n.spawnChild(st, n.cause)
	}
}

func (n *node) execute() {
	n.mode = modeExecuting
	ctx := n.workContext()
	req := ToolRequest{
		SessionID: n.rt.sessionID,
		AgentID:   n.id,
		ParentID:  n.parentID,
		Role:      n.role,
		Depth:     n.depth,
		Task:      n.task,
	}
	done := make(chan toolOutcome, 1)
	n.toolDone = done

	go func() {
		ctx, span := n.rt.tracer.Start(ctx, "cabal.tool")
		defer span.End()
		res, err := n.rt.tools.Run(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		done <- toolOutcome{res: res, err: err}
	}()
}

// recordUsage books tokens spent by this node's own collaborator calls.
func (n *node) recordUsage(d types.UsageDelta) {
	if d.IsZero() {
		return
	}
	n.stats.Record(d)
	n.rt.metrics.RecordTokens(d.TokensIn, d.TokensOut)
	n.emit(TokenUsage{EventMeta: n.meta(n.cause), Delta: d})
}

func (n *node) onTool(r toolOutcome) {
	n.recordUsage(r.res.Usage)
	if n.mode != modeExecuting {
		// Cancelled while running; usage is kept for the cancel report.
		return
	}

	if !n.transition(types.StatusMerging) {
		return
	}
	n.stats.Finish(n.rt.now())

	if r.err != nil {
		err := types.AsError(r.err, types.ErrToolExecutionFailed)
		if err.Code != types.ErrToolExecutionFailed && err.Code != types.ErrTimeout {
			err = types.NewError(types.ErrToolExecutionFailed, err.Message).WithCause(r.err)
		}
		n.fail(err.Clone().WithAgent(n.id), nil)
		return
	}

	n.complete(types.Result{
		Summary:   r.res.Summary,
		Artifacts: r.res.Artifacts,
		Usage:     n.stats.Snapshot(),
	})
}

// =============================================================================
// Children
// =============================================================================

func (n *node) spawnChild(st Subtask, cause types.OpID) {
	sp, err := n.rt.factory.Spawn(n.ctx, SpawnRequest{
		Parent: n.id,
		Role:   st.Role,
		Task:   st.Description,
		Cause:  cause,
	})
	if err != nil {
		n.log.Warn("spawn rejected", zap.String("task", st.Description), zap.Error(err))
		n.addLocalFailure(st.Role, st.Required, types.AsError(err, types.ErrTimeout))
		return
	}

	h := &childHandle{
		ref:  ChildRef{ID: sp.ID, Role: sp.Role, Required: st.Required},
		ctrl: sp.Controller,
	}
	n.children[sp.ID] = h
	n.refs = append(n.refs, h.ref)
	h.cancel = n.rt.launch(n.ctx, sp, cause)
	n.rt.wg.Add(1)
	go n.forward(h)
}

// addLocalFailure occupies a slot for work that never got a child, so the
// failure is merged in spawn order like any other.
func (n *node) addLocalFailure(role types.AgentRole, required bool, err *types.Error) {
	id := types.AgentID(fmt.Sprintf("%s/local-%d", n.id, len(n.refs)))
	n.refs = append(n.refs, ChildRef{ID: id, Role: role, Required: required, Local: true})
	n.outcomes = append(n.outcomes, ChildOutcome{ID: id, Err: err})
}

// forward pumps one child's events into the inbox, preserving their order.
func (n *node) forward(h *childHandle) {
	defer n.rt.wg.Done()
	for {
		ev, err := h.ctrl.Recv(n.ctx)
		if err != nil && n.ctx.Err() != nil {
			return
		}
		select {
		case n.inbox <- childMsg{child: h, ev: ev, err: err}:
		case <-n.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (n *node) onChild(msg childMsg) {
	h := msg.child
	if h.terminal {
		return
	}

	if msg.err != nil {
		// Conduit closed with no terminal report.
		n.log.Warn("child vanished without a terminal event", zap.String("child_id", string(h.ref.ID)), zap.Error(msg.err))
		n.settle(h, ChildOutcome{
			ID:    h.ref.ID,
			Err:   types.AsError(msg.err, types.ErrChannelClosed).Clone().WithAgent(h.ref.ID),
			Usage: types.SessionStats{TokensIn: h.usageSeen.TokensIn, TokensOut: h.usageSeen.TokensOut},
		})
		return
	}

	if !msg.ev.IsTerminal() {
		if tu, ok := msg.ev.(TokenUsage); ok {
			h.usageSeen = h.usageSeen.Add(tu.Delta)
		}
		n.emit(msg.ev)
		return
	}

	if msg.ev.Agent() != h.ref.ID {
		n.markInconsistent(types.Errorf(types.ErrMergeInconsistent,
			"terminal event for %s arrived on the conduit of %s", msg.ev.Agent(), h.ref.ID))
		return
	}

	out := ChildOutcome{ID: h.ref.ID}
	switch ev := msg.ev.(type) {
	case TaskComplete:
		res := ev.Result
		out.Result, out.Usage = &res, ev.Usage
	case AgentFailed:
		out.Err, out.Usage, out.Failures = ev.Error, ev.Usage, ev.Failures
		if out.Err == nil {
			out.Err = types.NewError(types.ErrToolExecutionFailed, "child failed without an error").WithAgent(h.ref.ID)
		}
	}
	n.settle(h, out)
}

// settle records h's outcome and acknowledges it: the child leaves the
// registry and its conduit is closed.
func (n *node) settle(h *childHandle, out ChildOutcome) {
	h.terminal = true
	n.outcomes = append(n.outcomes, out)
	n.rt.registry.detach(h.ref.ID)
	h.ctrl.Close()
}

func (n *node) markInconsistent(err *types.Error) {
	n.log.Error("merge invariant violated", zap.Error(err))
	if n.fatal == nil {
		n.fatal = err.WithAgent(n.id)
	}
}

func (n *node) onGraceExpired() {
	if n.callInFlight() {
		n.log.Warn("abandoning collaborator call that ignored cancellation")
		n.toolDone, n.planDone = nil, nil
	}
	for _, id := range n.childOrder() {
		h := n.children[id]
		if h.terminal {
			continue
		}
		n.log.Warn("force-finalizing unresponsive child", zap.String("child_id", string(id)))
		n.rt.metrics.RecordForcedFinalization()
		if h.cancel != nil {
			h.cancel()
		}
		n.settle(h, ChildOutcome{
			ID: id,
			Err: types.Errorf(types.ErrTimeout, "no terminal event within %s of cancel",
				n.rt.cfg.graceFor(n.depth)).WithAgent(id),
			Usage: types.SessionStats{TokensIn: h.usageSeen.TokensIn, TokensOut: h.usageSeen.TokensOut},
		})
	}
}

func (n *node) childOrder() []types.AgentID {
	ids := make([]types.AgentID, 0, len(n.children))
	for _, ref := range n.refs {
		if _, ok := n.children[ref.ID]; ok {
			ids = append(ids, ref.ID)
		}
	}
	return ids
}

// callInFlight reports an unfinished planner or tool call whose usage is
// still owed to this node.
func (n *node) callInFlight() bool {
	return n.toolDone != nil || n.planDone != nil
}

func (n *node) liveChildren() int {
	live := 0
	for _, h := range n.children {
		if !h.terminal {
			live++
		}
	}
	return live
}

// =============================================================================
// Completion
// =============================================================================

func (n *node) maybeFinish() {
	if n.terminalSent || n.liveChildren() > 0 {
		return
	}
	if n.mode == modeCancelling && n.callInFlight() {
		return
	}
	switch n.mode {
	case modeDelegating:
		n.merge()
	case modeCancelling:
		n.finishCancelled()
	}
}

func (n *node) merge() {
	if !n.transition(types.StatusMerging) {
		return
	}
	began := time.Now()
	out := n.rt.merger.Merge(n.refs, n.outcomes)
	if n.fatal != nil {
		out.Err = n.fatal
	}

	n.stats.Absorb(out.Usage)
	n.stats.Finish(n.rt.now())

	outcome := "completed"
	if out.Failed() {
		outcome = "failed"
	}
	n.rt.metrics.RecordMerge(outcome, time.Since(began))

	if out.Failed() {
		if out.Err.Code == types.ErrMergeInconsistent {
			n.log.Error("merge aborted", zap.Error(out.Err))
		}
		n.fail(out.Err, out.Failures)
		return
	}
	res := out.Result
	res.Usage = n.stats.Snapshot()
	n.complete(res)
}

func (n *node) finishCancelled() {
	out := n.rt.merger.Merge(n.refs, n.outcomes)
	n.stats.Absorb(out.Usage)
	n.stats.Finish(n.rt.now())

	n.cause = n.cancelOp
	reason := n.cancelReason
	if reason == "" {
		reason = "cancelled"
	}
	n.fail(types.NewError(types.ErrCancelled, reason).WithAgent(n.id), out.Failures)
}

func (n *node) complete(res types.Result) {
	if !n.transition(types.StatusCompleted) {
		return
	}
	n.emitTerminal(TaskComplete{EventMeta: n.meta(n.cause), Result: res, Usage: n.stats.Snapshot()}, &res, nil)
}

func (n *node) fail(err *types.Error, failures []types.FailureNote) {
	if !n.transition(types.StatusFailed) {
		return
	}
	n.span.SetStatus(codes.Error, err.Error())
	n.emitTerminal(AgentFailed{
		EventMeta: n.meta(n.cause),
		Error:     err,
		Failures:  failures,
		Usage:     n.stats.Snapshot(),
	}, nil, err)
}

// emitTerminal is the only place a terminal event leaves the node.
func (n *node) emitTerminal(ev Event, result *types.Result, err *types.Error) {
	if n.terminalSent {
		n.log.Error("second terminal event suppressed", zap.String("event", string(ev.Type())))
		return
	}
	n.terminalSent = true
	n.mode = modeDone

	n.checkpoint(ev.Type(), result, err)
	n.rt.metrics.RecordTerminal(string(n.role.Kind), string(n.status), n.rt.now().Sub(n.spawnedAt))

	if !n.emit(ev) {
		n.log.Warn("terminal event not delivered", zap.String("event", string(ev.Type())))
		return
	}
	fields := []zap.Field{zap.String("event", string(ev.Type()))}
	if err != nil {
		fields = append(fields, zap.String("code", string(err.Code)))
	}
	n.log.Info("agent finished", fields...)
}
