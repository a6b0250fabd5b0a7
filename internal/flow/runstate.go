package flow

// runState is one interpreter scope: the root graph, a loop body, or a
// sub-flow. Edge resolution is the core mechanism: every edge leaving a
// completed node resolves to fired or dead, and a node becomes ready once
// all its in-scope in-edges are resolved with at least one fired. Dead
// paths propagate so joins behind an untaken branch still unblock.
type runState struct {
	f  *Flow
	ec *Context

	persist bool
	nested  bool
	depth   int

	// scope restricts the edge universe for loop bodies; nil means the
	// whole graph. loopID names the owning loop so explicit back-edges
	// never count toward readiness.
	scope  map[string]bool
	loopID string

	completed   map[string]bool
	failedNodes map[string]bool
	dead        map[string]bool
	queued      map[string]bool
	attempts    map[string]int

	resolved []bool
	fired    []bool
	outIdx   map[string][]int
	inIdx    map[string][]int

	ready []string
}

func newRunState(f *Flow, ec *Context) *runState {
	rs := &runState{
		f:           f,
		ec:          ec,
		completed:   make(map[string]bool),
		failedNodes: make(map[string]bool),
		dead:        make(map[string]bool),
		queued:      make(map[string]bool),
		attempts:    make(map[string]int),
	}
	rs.index()
	return rs
}

// index rebuilds the edge universe for the current scope. Back-edges
// (edges into a loop node from inside its own body) are dropped so loops
// never wait on their own iterations.
func (rs *runState) index() {
	rs.resolved = make([]bool, len(rs.f.Edges))
	rs.fired = make([]bool, len(rs.f.Edges))
	rs.outIdx = make(map[string][]int, len(rs.f.Nodes))
	rs.inIdx = make(map[string][]int, len(rs.f.Nodes))

	backEdge := rs.backEdges()
	for i := range rs.f.Edges {
		e := &rs.f.Edges[i]
		if backEdge[i] {
			continue
		}
		if rs.scope != nil && (!rs.scope[e.From] || !rs.scope[e.To]) {
			continue
		}
		if rs.loopID != "" && e.To == rs.loopID {
			continue
		}
		rs.outIdx[e.From] = append(rs.outIdx[e.From], i)
		rs.inIdx[e.To] = append(rs.inIdx[e.To], i)
	}
}

// backEdges flags edges that re-enter a loop node from its own body.
func (rs *runState) backEdges() map[int]bool {
	flagged := make(map[int]bool)
	for i := range rs.f.Nodes {
		n := &rs.f.Nodes[i]
		if n.Kind != KindLoop {
			continue
		}
		body := rs.bodySet(n.NodeID)
		for j := range rs.f.Edges {
			e := &rs.f.Edges[j]
			if e.To == n.NodeID && body[e.From] {
				flagged[j] = true
			}
		}
	}
	return flagged
}

// bodySet collects the nodes reachable from a loop's body-labeled edges,
// never traversing back into the loop node itself.
func (rs *runState) bodySet(loopID string) map[string]bool {
	set := make(map[string]bool)
	var queue []string
	for _, e := range rs.f.Edges {
		if e.From == loopID && e.Label == LabelBody {
			queue = append(queue, e.To)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == loopID || set[id] {
			continue
		}
		set[id] = true
		for _, e := range rs.f.Edges {
			if e.From == id && e.To != loopID {
				queue = append(queue, e.To)
			}
		}
	}
	return set
}

func (rs *runState) pushReady(nodeID string) {
	if rs.queued[nodeID] || rs.completed[nodeID] || rs.dead[nodeID] {
		return
	}
	rs.queued[nodeID] = true
	rs.ready = append(rs.ready, nodeID)
}

func (rs *runState) hasOnError(nodeID string) bool {
	for _, idx := range rs.outIdx[nodeID] {
		if rs.f.Edges[idx].Label == LabelOnError {
			return true
		}
	}
	return false
}

// resolveEdges settles every out-edge of a finished node and cascades
// readiness checks to the targets. outcome carries the branch label for
// condition and switch nodes; failed routes onError edges instead of the
// regular ones.
func (rs *runState) resolveEdges(nodeID, outcome string, failed bool) {
	node := rs.f.Node(nodeID)
	if node == nil {
		return
	}
	for _, idx := range rs.outIdx[nodeID] {
		edge := &rs.f.Edges[idx]
		if rs.resolved[idx] {
			continue
		}
		fired := false
		switch {
		case edge.Label == LabelOnError:
			fired = failed
		case edge.Label == LabelBody:
			// Body subgraphs run nested inside the loop handler.
		case failed:
		case node.Kind == KindCondition || node.Kind == KindSwitch:
			fired = edge.Label == "" || edge.Label == outcome
		case node.Kind == KindLoop:
			fired = edge.Label == "" || edge.Label == LabelDone
		case edge.Condition != "":
			fired = rs.ec.EvalCondition(edge.Condition)
		default:
			fired = true
		}
		rs.resolved[idx] = true
		rs.fired[idx] = fired
		rs.checkReady(edge.To)
	}
}

func (rs *runState) checkReady(nodeID string) {
	if rs.scope != nil && !rs.scope[nodeID] {
		return
	}
	if rs.completed[nodeID] || rs.dead[nodeID] || rs.queued[nodeID] {
		return
	}
	ins := rs.inIdx[nodeID]
	if len(ins) == 0 {
		return
	}
	anyFired := false
	for _, idx := range ins {
		if !rs.resolved[idx] {
			return
		}
		if rs.fired[idx] {
			anyFired = true
		}
	}
	if anyFired {
		rs.pushReady(nodeID)
		return
	}
	rs.markDead(nodeID)
}

// markDead resolves the whole downstream of an untaken path as dead so
// joins further along can still settle.
func (rs *runState) markDead(nodeID string) {
	if rs.dead[nodeID] {
		return
	}
	rs.dead[nodeID] = true
	for _, idx := range rs.outIdx[nodeID] {
		if rs.resolved[idx] {
			continue
		}
		rs.resolved[idx] = true
		rs.fired[idx] = false
		rs.checkReady(rs.f.Edges[idx].To)
	}
}

// replayResolution re-resolves the out-edges of every restored node after
// a resume. Branch outcomes come back from the persisted results, plain
// edge conditions re-evaluate against the restored variables, and the
// cascade rebuilds the ready frontier.
func (rs *runState) replayResolution() {
	for nodeID := range rs.completed {
		rs.resolveEdges(nodeID, rs.restoredOutcome(nodeID), rs.failedNodes[nodeID])
	}
}

func (rs *runState) restoredOutcome(nodeID string) string {
	result, ok := rs.ec.NodeResults[nodeID].(map[string]any)
	if !ok {
		return ""
	}
	branch, _ := result["branch"].(string)
	return branch
}
