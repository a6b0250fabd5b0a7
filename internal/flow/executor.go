package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/providers"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/tracing"
)

// Sender delivers outbound commands through a connected adapter.
type Sender interface {
	Send(ctx context.Context, agentID string, cmd bus.SendCommand) (*bus.SendResult, error)
}

// AIClient serves AI tasks. The tier router implements it.
type AIClient interface {
	Complete(ctx context.Context, task providers.Task) (*providers.Result, error)
	Classify(task providers.Task) string
}

// SwarmCaller performs cross-agent flow calls on behalf of an executing
// agent.
type SwarmCaller interface {
	CallAgent(ctx context.Context, fromAgent, tenant, target, flowName string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// RAGChunk is one retrieval hit from a knowledge library.
type RAGChunk struct {
	Text    string  `json:"text"`
	Source  string  `json:"source,omitempty"`
	Library string  `json:"library,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// RAGClient queries knowledge libraries.
type RAGClient interface {
	Query(ctx context.Context, libraries []string, query string, topK int) ([]RAGChunk, error)
}

// MediaStore reads and writes cached media blobs. *media.Cache satisfies
// it.
type MediaStore interface {
	Read(ctx context.Context, agentID, key string) ([]byte, media.Blob, error)
	Put(ctx context.Context, agentID string, data []byte, mime, name string) (string, error)
}

// FlowResolver looks up flow definitions for sub-flow nodes and resumes.
type FlowResolver interface {
	FlowByName(agentID, name string) *Flow
	FlowByID(agentID, flowID string) *Flow
}

// Limits bound a single execution. Node and loop counters span sub-flows
// since those share the parent execution.
type Limits struct {
	ExecutionTimeout  time.Duration
	MaxNodes          int
	MaxLoopIterations int
	MaxConcurrent     int64
	MaxSubFlowDepth   int
}

// DefaultLimits matches the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		ExecutionTimeout:  5 * time.Minute,
		MaxNodes:          500,
		MaxLoopIterations: 1000,
		MaxConcurrent:     10,
		MaxSubFlowDepth:   3,
	}
}

// inlineDelayMax is the longest delay served by sleeping in place.
// Longer delays at the top level suspend the execution; delays inside
// loop bodies and sub-flows always sleep inline because iteration state
// is not persisted.
const inlineDelayMax = time.Second

// semAcquireTimeout bounds how long a launch waits for a per-agent
// execution slot before reporting Busy.
const semAcquireTimeout = 30 * time.Second

// Deps wires the executor's runtime collaborators. A nil field disables
// the node kinds that need it; those nodes then fail with Validation.
type Deps struct {
	Store  *store.Store
	Sender Sender
	AI     AIClient
	Swarm  SwarmCaller
	RAG    RAGClient
	Media  MediaStore
	Flows  FlowResolver
	Logger *slog.Logger
}

// Executor runs flows. One Executor serves all agents; per-agent
// concurrency is capped with a weighted semaphore and executions of the
// same flow for the same trigger event are serialized.
type Executor struct {
	deps   Deps
	limits Limits
	log    *slog.Logger

	notifyMu sync.Mutex
	notify   func(store.ResumptionRecord)

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	serMu sync.Mutex
	ser   map[string]*serialSlot
}

type serialSlot struct {
	mu   sync.Mutex
	refs int
}

// Outcome is what a finished (or suspended) launch reports back.
type Outcome struct {
	Record    *store.ExecutionRecord
	Reply     json.RawMessage
	Suspended bool
}

func NewExecutor(deps Deps, limits Limits) *Executor {
	if limits.ExecutionTimeout <= 0 {
		limits = DefaultLimits()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		deps:   deps,
		limits: limits,
		log:    log,
		sems:   make(map[string]*semaphore.Weighted),
		ser:    make(map[string]*serialSlot),
	}
}

// SetSuspendNotifier registers the scheduler callback invoked whenever an
// execution parks a resumption row.
func (e *Executor) SetSuspendNotifier(fn func(store.ResumptionRecord)) {
	e.notifyMu.Lock()
	e.notify = fn
	e.notifyMu.Unlock()
}

func (e *Executor) notifySuspend(r store.ResumptionRecord) {
	e.notifyMu.Lock()
	fn := e.notify
	e.notifyMu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Launch runs one flow for one trigger firing. It blocks until the
// execution finishes or suspends. The returned Outcome carries the final
// record state and, for succeeded runs, the flow's `result` variable.
func (e *Executor) Launch(ctx context.Context, f *Flow, tenant string, ev TriggerEvent) (*Outcome, error) {
	if !f.Active {
		return nil, fault.New(fault.Validation, "flow %q is not active", f.Name)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	unlock := e.lockEvent(f.FlowID, eventKey(ev))
	defer unlock()

	release, err := e.acquireSlot(ctx, f.AgentID)
	if err != nil {
		return nil, err
	}
	defer release()

	evJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "encode trigger event")
	}
	rec := &store.ExecutionRecord{
		ExecutionID:  uuid.Must(uuid.NewV7()).String(),
		FlowID:       f.FlowID,
		AgentID:      f.AgentID,
		Status:       StatusRunning,
		TriggerEvent: evJSON,
		StartedAt:    time.Now().UnixMilli(),
	}
	if err := e.deps.Store.InsertExecution(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.deps.Store.BumpAgentCounters(ctx, f.AgentID, store.AgentCounters{Executions: 1}); err != nil {
		e.log.Warn("flow.counter_bump_failed", "agent", f.AgentID, "error", err)
	}
	e.log.Debug("flow.execution_started",
		"agent", f.AgentID, "flow", f.Name, "execution", rec.ExecutionID, "trigger", ev.Kind)

	ec := NewContext(rec.ExecutionID, f, tenant, ev)
	rs := newRunState(f, ec)
	rs.persist = true
	if entry := f.Entry(); entry != nil {
		rs.pushReady(entry.NodeID)
	}

	sctx, span := tracing.StartExecution(ctx, f.FlowID, rec.ExecutionID, ev.Kind)
	runErr := e.drive(e.boundCtx(sctx), rs)
	tracing.End(span, spanErr(runErr))
	return e.finish(ctx, rs, rec, runErr)
}

// Resume continues a suspended execution from its parked resumption row.
// Stale rows (finished executions, vanished flows) are cleaned up and
// reported as nil.
func (e *Executor) Resume(ctx context.Context, r store.ResumptionRecord) error {
	exec, err := e.deps.Store.GetExecution(ctx, r.AgentID, r.ExecutionID)
	if err != nil {
		if fault.IsKind(err, fault.Validation) {
			return e.deps.Store.DeleteResumption(ctx, r.ExecutionID)
		}
		return err
	}
	if exec.Status != StatusRunning {
		return e.deps.Store.DeleteResumption(ctx, r.ExecutionID)
	}

	f := e.lookupFlow(ctx, r.AgentID, r.FlowID)
	if f == nil {
		_ = e.deps.Store.DeleteResumption(ctx, r.ExecutionID)
		return e.deps.Store.FinishExecution(ctx, r.ExecutionID, StatusFailed, nil,
			string(fault.Consistency), r.NodeID, "flow definition removed while suspended")
	}
	node := f.Node(r.NodeID)
	if node == nil {
		_ = e.deps.Store.DeleteResumption(ctx, r.ExecutionID)
		return e.deps.Store.FinishExecution(ctx, r.ExecutionID, StatusFailed, nil,
			string(fault.Consistency), r.NodeID, "suspended node missing from flow")
	}

	agent, err := e.deps.Store.GetAgentByID(ctx, r.AgentID)
	if err != nil {
		_ = e.deps.Store.DeleteResumption(ctx, r.ExecutionID)
		return err
	}

	release, err := e.acquireSlot(ctx, r.AgentID)
	if err != nil {
		return err
	}
	defer release()

	var ev TriggerEvent
	if len(exec.TriggerEvent) > 0 {
		_ = json.Unmarshal(exec.TriggerEvent, &ev)
	}
	ec := NewContext(r.ExecutionID, f, agent.Tenant, ev)
	ec.RestoreVariables(r.Variables)

	rs := newRunState(f, ec)
	rs.persist = true
	if err := e.restoreResults(ctx, rs); err != nil {
		return err
	}

	if err := e.wakeSuspended(ctx, rs, node, r); err != nil {
		// Terminal: the suspended node failed with no onError route.
		_ = e.deps.Store.DeleteResumption(ctx, r.ExecutionID)
		_, ferr := e.finish(ctx, rs, exec, &nodeError{nodeID: node.NodeID, err: err})
		if ferr != nil {
			return ferr
		}
		return nil
	}
	if err := e.deps.Store.DeleteResumption(ctx, r.ExecutionID); err != nil {
		return err
	}
	rs.replayResolution()

	e.log.Info("flow.execution_resumed",
		"agent", r.AgentID, "flow", f.Name, "execution", r.ExecutionID, "node", r.NodeID)

	sctx, span := tracing.StartExecution(ctx, f.FlowID, r.ExecutionID, ev.Kind)
	runErr := e.drive(e.boundCtx(sctx), rs)
	tracing.End(span, spanErr(runErr))
	_, err = e.finish(ctx, rs, exec, runErr)
	return err
}

// lookupFlow prefers the matcher's in-memory definition and falls back to
// the stored record so inactive flows can still finish in-flight work.
func (e *Executor) lookupFlow(ctx context.Context, agentID, flowID string) *Flow {
	if e.deps.Flows != nil {
		if f := e.deps.Flows.FlowByID(agentID, flowID); f != nil {
			return f
		}
	}
	rec, err := e.deps.Store.GetFlow(ctx, agentID, flowID)
	if err != nil {
		return nil
	}
	f, err := FromRecord(rec)
	if err != nil {
		return nil
	}
	return f
}

func (e *Executor) restoreResults(ctx context.Context, rs *runState) error {
	rows, err := e.deps.Store.ListNodeResults(ctx, rs.ec.ExecutionID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status != StatusSucceeded && row.Status != StatusFailed {
			continue
		}
		var val any
		_ = json.Unmarshal(row.Result, &val)
		rs.ec.NodeResults[row.NodeID] = val
		rs.completed[row.NodeID] = true
		rs.attempts[row.NodeID] = row.Attempts
		if row.Status == StatusFailed {
			rs.failedNodes[row.NodeID] = true
		}
	}
	return nil
}

// wakeSuspended completes the node the execution was parked on. Delay
// nodes wake as succeeded; a cross-agent call that was in flight when the
// process died cannot recover its reply and fails as timed out, which the
// caller routes through onError when the flow wired one.
func (e *Executor) wakeSuspended(ctx context.Context, rs *runState, node *Node, r store.ResumptionRecord) error {
	switch node.Kind {
	case KindDelay:
		result := map[string]any{
			"sleptMs": r.WakeAt - r.CreatedAt,
			"resumed": true,
		}
		rs.ec.Record(node.NodeID, result)
		rs.completed[node.NodeID] = true
		rs.attempts[node.NodeID] = 1
		e.saveNodeResult(ctx, rs, node.NodeID, StatusSucceeded, result)
		return nil
	case KindCrossAgentCall:
		err := fault.New(fault.CrossAgentTimeout, "no reply before restart")
		if !rs.hasOnError(node.NodeID) {
			return err
		}
		result := errorResult(err)
		rs.ec.Record(node.NodeID, result)
		rs.completed[node.NodeID] = true
		rs.failedNodes[node.NodeID] = true
		rs.attempts[node.NodeID] = 1
		e.saveNodeResult(ctx, rs, node.NodeID, StatusFailed, result)
		return nil
	default:
		return fault.New(fault.Consistency, "node %s of kind %s cannot be resumed", node.NodeID, node.Kind)
	}
}

func (e *Executor) boundCtx(ctx context.Context) context.Context {
	bound, cancel := context.WithTimeout(ctx, e.limits.ExecutionTimeout)
	// cancel travels with the context; drive always outlives its use.
	_ = cancel
	return bound
}

// finish records the terminal state. Suspensions keep the execution
// running and park a resumption row instead.
func (e *Executor) finish(ctx context.Context, rs *runState, rec *store.ExecutionRecord, runErr error) (*Outcome, error) {
	rec.Variables = rs.ec.Snapshot()

	var sus *suspendError
	if errors.As(runErr, &sus) {
		token := uuid.Must(uuid.NewV7()).String()
		row := store.ResumptionRecord{
			ExecutionID: rec.ExecutionID,
			FlowID:      rec.FlowID,
			AgentID:     rec.AgentID,
			NodeID:      sus.nodeID,
			WakeAt:      sus.wakeAt.UnixMilli(),
			Token:       token,
			Variables:   rec.Variables,
		}
		if err := e.deps.Store.SaveResumption(ctx, &row); err != nil {
			return nil, err
		}
		e.notifySuspend(row)
		e.log.Info("flow.execution_suspended",
			"agent", rec.AgentID, "execution", rec.ExecutionID,
			"node", sus.nodeID, "wake_at", sus.wakeAt.UnixMilli())
		return &Outcome{Record: rec, Suspended: true}, nil
	}

	status := StatusSucceeded
	var errKind, errNode, errMsg string
	switch {
	case runErr == nil:
	case isLimitErr(runErr):
		status = StatusLimitExceeded
		errKind = string(fault.Busy)
		errMsg = runErr.Error()
	case errors.Is(runErr, context.DeadlineExceeded):
		status = StatusTimedOut
		errKind = string(fault.Transient)
		errMsg = "execution wall clock exceeded"
	case errors.Is(runErr, context.Canceled):
		status = StatusCancelled
		errKind = string(fault.Transient)
		errMsg = "execution cancelled"
	default:
		status = StatusFailed
		errKind = string(fault.KindOf(runErr))
		errMsg = runErr.Error()
		var ne *nodeError
		if errors.As(runErr, &ne) {
			errNode = ne.nodeID
		}
	}

	rec.Status = status
	rec.ErrorKind = errKind
	rec.ErrorNode = errNode
	rec.ErrorMsg = errMsg
	rec.FinishedAt = time.Now().UnixMilli()
	if err := e.deps.Store.FinishExecution(ctx, rec.ExecutionID, status, rec.Variables, errKind, errNode, errMsg); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if status != StatusSucceeded {
		level = slog.LevelWarn
	}
	e.log.Log(ctx, level, "flow.execution_finished",
		"agent", rec.AgentID, "execution", rec.ExecutionID, "status", status,
		"nodes", rs.ec.nodesRun, "duration_ms", rec.FinishedAt-rec.StartedAt,
		"error", errMsg)

	out := &Outcome{Record: rec}
	if status == StatusSucceeded {
		if v, ok := rs.ec.Variables["result"]; ok {
			if data, err := json.Marshal(v); err == nil {
				out.Reply = data
			}
		}
	}
	return out, nil
}

// drive pumps the ready queue until the frontier is exhausted. Nodes run
// sequentially; a node enters the queue once every in-edge is resolved
// and at least one fired.
func (e *Executor) drive(ctx context.Context, rs *runState) error {
	for len(rs.ready) > 0 {
		nodeID := rs.ready[0]
		rs.ready = rs.ready[1:]
		if rs.completed[nodeID] {
			continue
		}
		node := rs.f.Node(nodeID)
		if node == nil {
			return fault.New(fault.Consistency, "ready node %s not in flow", nodeID)
		}

		rs.ec.nodesRun++
		if rs.ec.nodesRun > e.limits.MaxNodes {
			return &limitError{msg: fmt.Sprintf("node budget of %d exhausted", e.limits.MaxNodes)}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		result, outcome, err := e.execNode(ctx, rs, node)
		if err != nil {
			var sus *suspendError
			if errors.As(err, &sus) {
				return err
			}
			if isLimitErr(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !rs.hasOnError(nodeID) {
				return &nodeError{nodeID: nodeID, err: err}
			}
			e.log.Warn("flow.node_failed",
				"execution", rs.ec.ExecutionID, "node", nodeID,
				"kind", string(fault.KindOf(err)), "error", err)
			fail := errorResult(err)
			rs.ec.Record(nodeID, fail)
			rs.completed[nodeID] = true
			rs.failedNodes[nodeID] = true
			e.saveNodeResult(ctx, rs, nodeID, StatusFailed, fail)
			rs.resolveEdges(nodeID, "", true)
			continue
		}

		rs.ec.Record(nodeID, result)
		rs.completed[nodeID] = true
		e.saveNodeResult(ctx, rs, nodeID, StatusSucceeded, rs.ec.NodeResults[nodeID])
		rs.resolveEdges(nodeID, outcome, false)
	}
	return nil
}

// execNode applies the node's retry policy and timeout around one or more
// handler attempts. Only transient faults retry.
func (e *Executor) execNode(ctx context.Context, rs *runState, node *Node) (result any, outcome string, err error) {
	ctx, span := tracing.StartNode(ctx, node.NodeID, node.Kind)
	defer func() { tracing.End(span, spanErr(err)) }()

	attempts := 1
	if node.Retry != nil && node.Retry.Count > 0 {
		attempts += node.Retry.Count
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		rs.attempts[node.NodeID] = attempt

		nctx := ctx
		var cancel context.CancelFunc
		if node.TimeoutMs > 0 {
			nctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMs)*time.Millisecond)
		}
		result, outcome, err := e.runNode(nctx, rs, node)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, outcome, nil
		}
		var sus *suspendError
		if errors.As(err, &sus) || isLimitErr(err) {
			return nil, "", err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fault.Wrap(fault.Transient, err, "node %s timed out after %dms", node.NodeID, node.TimeoutMs)
		}
		lastErr = err
		if !fault.Retryable(err) || attempt == attempts || ctx.Err() != nil {
			break
		}
		delay := backoffDelay(node.Retry, attempt)
		e.log.Debug("flow.node_retry",
			"execution", rs.ec.ExecutionID, "node", node.NodeID,
			"attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, "", lastErr
}

// runNode dispatches one attempt to the handler for the node's kind.
func (e *Executor) runNode(ctx context.Context, rs *runState, node *Node) (any, string, error) {
	switch node.Kind {
	case KindTrigger:
		return rs.ec.Variables["trigger"], "", nil
	case KindCondition:
		return e.nodeCondition(rs.ec, node)
	case KindSwitch:
		return e.nodeSwitch(rs.ec, node)
	case KindLoop:
		return e.runLoop(ctx, rs, node)
	case KindDelay:
		return e.nodeDelay(ctx, rs, node)
	case KindSubFlow:
		return e.runSubFlow(ctx, rs, node)
	case KindCrossAgentCall:
		return e.runCrossAgentCall(ctx, rs, node)
	case KindSet:
		return e.nodeSet(rs.ec, node)
	case KindTemplate:
		return e.nodeTemplate(rs.ec, node)
	case KindJSONPath:
		return e.nodeJSONPath(rs.ec, node)
	case KindRegex:
		return e.nodeRegex(rs.ec, node)
	case KindEncode:
		return e.nodeEncode(rs.ec, node)
	case KindSendMessage, KindSendMedia, KindSendLocation, KindReact, KindEdit, KindDelete:
		return e.nodeSend(ctx, rs.ec, node)
	case KindAIResponse:
		return e.nodeAIResponse(ctx, rs.ec, node)
	case KindAIRouter:
		return e.nodeAIRouter(ctx, rs.ec, node)
	case KindAIExtract:
		return e.nodeAIExtract(ctx, rs.ec, node)
	case KindAIIntent:
		return e.nodeAIIntent(ctx, rs.ec, node)
	case KindAITranslate:
		return e.nodeAITranslate(ctx, rs.ec, node)
	case KindTranscribe:
		return e.nodeTranscribe(ctx, rs.ec, node)
	case KindTTS:
		return e.nodeTTS(ctx, rs.ec, node)
	case KindRAGQuery:
		return e.nodeRAGQuery(ctx, rs.ec, node)
	default:
		return nil, "", fault.New(fault.Validation, "unknown node kind %q", node.Kind)
	}
}

// runLoop iterates the body subgraph once per item. The body hangs off
// body-labeled edges and runs in a nested interpreter scope so the outer
// resolution never schedules it directly.
func (e *Executor) runLoop(ctx context.Context, rs *runState, node *Node) (any, string, error) {
	var cfg struct {
		Items string `json:"items,omitempty"`
		Count any    `json:"count,omitempty"`
		As    string `json:"as,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	as := cfg.As
	if as == "" {
		as = "item"
	}

	var items []any
	switch {
	case cfg.Items != "":
		v := rs.ec.InterpolateValue(cfg.Items)
		list, ok := v.([]any)
		if !ok {
			return nil, "", fault.New(fault.Validation, "loop %s: items is %T, want a list", node.NodeID, v)
		}
		items = list
	case cfg.Count != nil:
		n, ok := numberArg(rs.ec, cfg.Count)
		if !ok || n < 0 {
			return nil, "", fault.New(fault.Validation, "loop %s: count is not a number", node.NodeID)
		}
		items = make([]any, int(n))
		for i := range items {
			items[i] = float64(i)
		}
	default:
		return nil, "", fault.New(fault.Validation, "loop %s: need items or count", node.NodeID)
	}

	body := rs.bodySet(node.NodeID)
	if len(body) == 0 {
		return nil, "", fault.New(fault.Validation, "loop %s has no body", node.NodeID)
	}

	for i, item := range items {
		rs.ec.loopIters++
		if rs.ec.loopIters > e.limits.MaxLoopIterations {
			return nil, "", &limitError{msg: fmt.Sprintf("loop iteration budget of %d exhausted", e.limits.MaxLoopIterations)}
		}
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		rs.ec.Set(as, item)
		rs.ec.Set(as+"Index", i)
		if err := e.runBody(ctx, rs, node, body); err != nil {
			return nil, "", fmt.Errorf("iteration %d: %w", i, err)
		}
	}
	return map[string]any{"iterations": len(items)}, "", nil
}

func (e *Executor) runBody(ctx context.Context, rs *runState, node *Node, body map[string]bool) error {
	sub := newRunState(rs.f, rs.ec)
	sub.persist = rs.persist
	sub.nested = true
	sub.depth = rs.depth
	sub.scope = body
	sub.loopID = node.NodeID
	sub.index()
	for _, edge := range rs.f.OutEdges(node.NodeID) {
		if edge.Label == LabelBody {
			sub.pushReady(edge.To)
		}
	}
	return e.drive(ctx, sub)
}

// runSubFlow runs another of the agent's flows inline, sharing the
// execution identity and budgets but not the variable space. The child
// sees only the mapped inputs; its `result` variable comes back as the
// node result.
func (e *Executor) runSubFlow(ctx context.Context, rs *runState, node *Node) (any, string, error) {
	if e.deps.Flows == nil {
		return nil, "", fault.New(fault.Validation, "sub-flows are not available")
	}
	var cfg struct {
		Flow   string         `json:"flow"`
		Inputs map[string]any `json:"inputs,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if rs.depth >= e.limits.MaxSubFlowDepth {
		return nil, "", fault.New(fault.Validation, "sub-flow depth limit of %d reached", e.limits.MaxSubFlowDepth)
	}
	name := rs.ec.Interpolate(cfg.Flow)
	child := e.deps.Flows.FlowByName(rs.ec.AgentID, name)
	if child == nil {
		return nil, "", fault.New(fault.Validation, "unknown flow %q", name)
	}
	if child.FlowID == rs.f.FlowID {
		return nil, "", fault.New(fault.Validation, "flow %q cannot call itself", name)
	}
	if err := child.Validate(); err != nil {
		return nil, "", err
	}

	inputs := make(map[string]any, len(cfg.Inputs))
	for k, v := range cfg.Inputs {
		inputs[k] = rs.ec.InterpolateTree(v)
	}
	payload, _ := json.Marshal(inputs)

	cctx := NewContext(rs.ec.ExecutionID, child, rs.ec.Tenant, TriggerEvent{Kind: TriggerManual, Payload: payload})
	for k, v := range inputs {
		cctx.Variables[k] = v
	}
	cctx.nodesRun = rs.ec.nodesRun
	cctx.loopIters = rs.ec.loopIters

	sub := newRunState(child, cctx)
	sub.nested = true
	sub.depth = rs.depth + 1
	if entry := child.Entry(); entry != nil {
		sub.pushReady(entry.NodeID)
	}
	err := e.drive(ctx, sub)

	rs.ec.nodesRun = cctx.nodesRun
	rs.ec.loopIters = cctx.loopIters
	rs.ec.Debug = append(rs.ec.Debug, cctx.Debug...)
	if err != nil {
		return nil, "", fmt.Errorf("sub-flow %q: %w", name, err)
	}
	return map[string]any{"flow": name, "result": jsonify(cctx.Variables["result"])}, "", nil
}

// runCrossAgentCall invokes a flow on another agent and waits for its
// reply. A resumption row is parked for the duration of the call so a
// crash mid-call resolves as CrossAgentTimeout after restart instead of
// leaving the execution running forever.
func (e *Executor) runCrossAgentCall(ctx context.Context, rs *runState, node *Node) (any, string, error) {
	if e.deps.Swarm == nil {
		return nil, "", fault.New(fault.Validation, "cross-agent calls are not available")
	}
	var cfg struct {
		Agent     string `json:"agent"`
		Flow      string `json:"flow"`
		Payload   any    `json:"payload,omitempty"`
		TimeoutMs int    `json:"timeoutMs,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	target := rs.ec.Interpolate(cfg.Agent)
	flowName := rs.ec.Interpolate(cfg.Flow)
	if target == "" || flowName == "" {
		return nil, "", fault.New(fault.Validation, "cross-agent call %s: agent and flow are required", node.NodeID)
	}
	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	payload, err := json.Marshal(rs.ec.InterpolateTree(cfg.Payload))
	if err != nil {
		return nil, "", fault.Wrap(fault.Validation, err, "cross-agent call %s payload", node.NodeID)
	}

	if !rs.nested {
		row := store.ResumptionRecord{
			ExecutionID: rs.ec.ExecutionID,
			FlowID:      rs.ec.FlowID,
			AgentID:     rs.ec.AgentID,
			NodeID:      node.NodeID,
			WakeAt:      time.Now().Add(timeout + 5*time.Second).UnixMilli(),
			Token:       uuid.Must(uuid.NewV7()).String(),
			Variables:   rs.ec.Snapshot(),
		}
		if err := e.deps.Store.SaveResumption(ctx, &row); err != nil {
			e.log.Warn("flow.call_insurance_failed", "execution", rs.ec.ExecutionID, "error", err)
		} else {
			defer func() { _ = e.deps.Store.DeleteResumption(context.WithoutCancel(ctx), rs.ec.ExecutionID) }()
		}
	}

	reply, err := e.deps.Swarm.CallAgent(ctx, rs.ec.AgentID, rs.ec.Tenant, target, flowName, payload, timeout)
	if err != nil {
		return nil, "", err
	}
	var out any
	_ = json.Unmarshal(reply, &out)
	return map[string]any{"agent": target, "flow": flowName, "reply": out}, "", nil
}

func (e *Executor) saveNodeResult(ctx context.Context, rs *runState, nodeID, status string, result any) {
	if !rs.persist {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		data = json.RawMessage(`{}`)
	}
	row := &store.NodeResultRecord{
		ExecutionID: rs.ec.ExecutionID,
		NodeID:      nodeID,
		Status:      status,
		Result:      data,
		Attempts:    rs.attempts[nodeID],
		FinishedAt:  time.Now().UnixMilli(),
	}
	if err := e.deps.Store.SaveNodeResult(ctx, row); err != nil {
		e.log.Warn("flow.node_result_save_failed",
			"execution", rs.ec.ExecutionID, "node", nodeID, "error", err)
	}
}

func (e *Executor) acquireSlot(ctx context.Context, agentID string) (func(), error) {
	e.semMu.Lock()
	sem := e.sems[agentID]
	if sem == nil {
		sem = semaphore.NewWeighted(e.limits.MaxConcurrent)
		e.sems[agentID] = sem
	}
	e.semMu.Unlock()

	actx, cancel := context.WithTimeout(ctx, semAcquireTimeout)
	defer cancel()
	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.BusyFor(5*time.Second, "agent %s is at its concurrent execution limit", agentID)
	}
	return func() { sem.Release(1) }, nil
}

func (e *Executor) lockEvent(flowID, key string) func() {
	id := flowID + "|" + key
	e.serMu.Lock()
	slot := e.ser[id]
	if slot == nil {
		slot = &serialSlot{}
		e.ser[id] = slot
	}
	slot.refs++
	e.serMu.Unlock()

	slot.mu.Lock()
	return func() {
		slot.mu.Unlock()
		e.serMu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(e.ser, id)
		}
		e.serMu.Unlock()
	}
}

// eventKey identifies a trigger firing for serialization. Only messages
// and cross-agent calls carry stable identities; other kinds never
// contend.
func eventKey(ev TriggerEvent) string {
	switch {
	case ev.Message != nil:
		return "msg:" + ev.Message.ID
	case ev.CallID != "":
		return "call:" + ev.CallID
	default:
		return uuid.NewString()
	}
}

func backoffDelay(p *RetryPolicy, attempt int) time.Duration {
	if p == nil || p.BaseMs <= 0 {
		return 0
	}
	d := time.Duration(p.BaseMs) * time.Millisecond
	if p.Strategy == "exponential" {
		for i := 1; i < attempt; i++ {
			d *= 2
		}
	}
	if p.MaxMs > 0 {
		if most := time.Duration(p.MaxMs) * time.Millisecond; d > most {
			d = most
		}
	}
	return d
}

func errorResult(err error) map[string]any {
	return map[string]any{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	}
}

// suspendError unwinds the interpreter when an execution parks.
type suspendError struct {
	nodeID string
	wakeAt time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("execution suspended at node %s", e.nodeID)
}

// nodeError attributes a terminal failure to the node that raised it.
type nodeError struct {
	nodeID string
	err    error
}

func (e *nodeError) Error() string { return fmt.Sprintf("node %s: %v", e.nodeID, e.err) }
func (e *nodeError) Unwrap() error { return e.err }

type limitError struct {
	msg string
}

func (e *limitError) Error() string { return e.msg }

func isLimitErr(err error) bool {
	var le *limitError
	return errors.As(err, &le)
}

// spanErr keeps suspensions out of span error status; parking an
// execution is not a failure.
func spanErr(err error) error {
	var sus *suspendError
	if errors.As(err, &sus) {
		return nil
	}
	return err
}
