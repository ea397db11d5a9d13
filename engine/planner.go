package engine

import (
	"github.com/juju/errors"

	"github.com/conductline/conduct/graph"
	"github.com/conductline/conduct/types"
)

/**
 * planner owns per-run traversal state: one readiness record per node
 * holding the count of unsatisfied required data pins and the fired /
 * pruned tallies of incoming exec edges. Completions decrement
 * counters; nodes whose counters reach zero become ready and get
 * enqueued by the caller. The planner never blocks and never executes
 * anything itself — it only reacts to completed tasks.
 *
 * All state here is recomputable by replaying the run's history log in
 * sequence order (see replay.go), which is how a fresh worker process
 * adopts a run after a crash.
 */
type planner struct {
	g   *graph.Graph
	run *types.Run

	defaultLoopLimit int

	nodes map[string]*nodeState
	// activations remembers which exec pins each decided node fired,
	// so loop-body resets can replay upstream decisions.
	activations map[string][]string
	loopIters   map[string]int
	// appliedTasks dedupes at-least-once redelivery: a completion
	// report for a task already applied is a no-op.
	appliedTasks map[string]bool
}

type nodeState struct {
	dataRemaining int
	execTotal     int
	execFired     int
	execPruned    int

	dispatched bool
	done       bool
	pruned     bool
	failed     bool
}

func newPlanner(g *graph.Graph, run *types.Run, defaultLoopLimit int) *planner {
	p := &planner{
		g:                g,
		run:              run,
		defaultLoopLimit: defaultLoopLimit,
		nodes:            make(map[string]*nodeState, len(g.Workflow.Nodes)),
		activations:      make(map[string][]string),
		loopIters:        make(map[string]int),
		appliedTasks:     make(map[string]bool),
	}
	for i := range g.Workflow.Nodes {
		id := g.Workflow.Nodes[i].ID
		p.nodes[id] = &nodeState{
			dataRemaining: g.DataNeeds(id),
			execTotal:     g.ExecNeeds(id),
		}
	}
	return p
}

/**
 * seed prunes every trigger node except the fired one (so a join
 * downstream of two triggers does not wait forever on the one that
 * never fired) and returns the initially ready nodes.
 */
func (p *planner) seed(firedTrigger string) []string {
	for _, id := range p.g.UnfiredTriggers(firedTrigger) {
		p.pruneNode(id)
	}

	var ready []string
	for _, id := range p.g.StartNodes(firedTrigger) {
		if p.isReady(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (p *planner) isReady(id string) bool {
	ns := p.nodes[id]
	if ns == nil || ns.dispatched || ns.done || ns.pruned {
		return false
	}
	if ns.dataRemaining > 0 {
		return false
	}
	return p.execSatisfied(id, ns)
}

func (p *planner) execSatisfied(id string, ns *nodeState) bool {
	if ns.execTotal == 0 {
		return true
	}
	// loop nodes re-enter on any single exec edge (the entry or the
	// body's back edge), so they use OR semantics instead of join
	// counting
	if p.g.IsLoopNode(id) {
		return ns.execFired > 0
	}
	return ns.execFired+ns.execPruned == ns.execTotal && ns.execFired > 0
}

// markDispatched records that the node's task has been enqueued so it
// is not enqueued twice.
func (p *planner) markDispatched(id string) {
	if ns := p.nodes[id]; ns != nil {
		ns.dispatched = true
	}
}

// alreadyApplied reports whether a completion for this task has been
// recorded before (at-least-once redelivery detection).
func (p *planner) alreadyApplied(taskID string) bool {
	return p.appliedTasks[taskID]
}

// cacheHit reports whether the node already has recorded outputs.
// Workers check it before re-invoking a redelivered node. Loop nodes
// intentionally keep their previous iteration's outputs cached, so
// the per-task dedup in apply covers them instead.
func (p *planner) cacheHit(nodeID string) bool {
	if p.g.IsLoopNode(nodeID) {
		return false
	}
	_, cached := p.run.CachedOutputs(nodeID)
	return cached
}

/**
 * apply records a successful task completion: writes the node's
 * outputs into the run's cache, replays the activation decision over
 * the outgoing edges, drives loop re-entry, and returns the newly
 * ready nodes. A second report for the same task is a no-op — the
 * cache is written exactly once per node per iteration and a readiness
 * decrement never fires twice for the same edge.
 */
func (p *planner) apply(taskID, nodeID string, outputs types.Data, activated []string) ([]string, error) {
	if p.alreadyApplied(taskID) {
		return nil, nil
	}
	ns := p.nodes[nodeID]
	if ns == nil {
		return nil, errors.NotFoundf("node %s", nodeID)
	}
	if ns.done {
		// a redelivered older task for an already-decided node
		p.appliedTasks[taskID] = true
		return nil, nil
	}

	if p.run.Outputs == nil {
		p.run.Outputs = make(map[string]types.Data)
	}
	p.run.Outputs[nodeID] = outputs
	p.appliedTasks[taskID] = true
	ns.dispatched = true
	ns.done = true
	activated = normalizeActivated(p.g, nodeID, activated)
	p.activations[nodeID] = activated

	if p.g.IsLoopNode(nodeID) && contains(activated, graph.LoopBodyPin) {
		if err := p.enterLoopIteration(nodeID, ns); err != nil {
			return nil, errors.Trace(err)
		}
		// only the body edges fire; the done pin stays pending, it is
		// neither fired nor "will not fire" while iterations remain
		p.fireEdges(nodeID, []string{graph.LoopBodyPin}, nil)
		return p.collectReady(), nil
	}

	p.propagate(nodeID, activated, false)
	return p.collectReady(), nil
}

/**
 * applyFailure handles a node whose retry budget is exhausted but that
 * is marked continue-on-failure: the node's outputs stay absent and
 * only its declared error-path pin (if any) fires.
 */
func (p *planner) applyFailure(taskID, nodeID string) ([]string, error) {
	if p.alreadyApplied(taskID) {
		return nil, nil
	}
	ns := p.nodes[nodeID]
	if ns == nil {
		return nil, errors.NotFoundf("node %s", nodeID)
	}
	if ns.done {
		p.appliedTasks[taskID] = true
		return nil, nil
	}
	p.appliedTasks[taskID] = true
	ns.dispatched = true
	ns.done = true
	ns.failed = true

	node, _ := p.g.Node(nodeID)
	var activated []string
	if node.ErrorPin != "" {
		if _, exists := node.OutputPin(node.ErrorPin); exists {
			activated = []string{node.ErrorPin}
		}
	}
	p.activations[nodeID] = activated

	p.propagate(nodeID, activated, true)
	return p.collectReady(), nil
}

// normalizeActivated expands the nil shorthand (all exec pins fired)
// into the explicit pin list.
func normalizeActivated(g *graph.Graph, nodeID string, activated []string) []string {
	if activated != nil {
		return activated
	}
	node, exists := g.Node(nodeID)
	if !exists {
		return nil
	}
	all := make([]string, 0, len(node.Outputs))
	for _, pin := range node.Outputs {
		if pin.Type == types.PinExec {
			all = append(all, pin.ID)
		}
	}
	return all
}

/**
 * propagate walks the node's outgoing edges. Exec edges on activated
 * pins decrement the target's wait (fired); the rest are marked "will
 * not fire" so downstream joins do not count them. Data edges are
 * satisfied from the cache, fall back to the target pin's default, or
 * prune the target when a required pin can never be fed.
 */
func (p *planner) propagate(nodeID string, activated []string, outputsAbsent bool) {
	p.fireEdges(nodeID, activated, func(e types.Edge, toPin *types.Pin) {
		target := p.nodes[e.ToNode]
		if !toPin.Required {
			return
		}
		if !outputsAbsent {
			target.dataRemaining--
			return
		}
		if toPin.Default != nil {
			target.dataRemaining--
			return
		}
		// required input that can never be fed
		p.pruneNode(e.ToNode)
	})
}

// fireEdges applies exec activation decisions; dataHandler (if any)
// receives each data edge.
func (p *planner) fireEdges(nodeID string, activated []string, dataHandler func(types.Edge, *types.Pin)) {
	node, _ := p.g.Node(nodeID)

	for _, e := range p.g.OutEdges(nodeID) {
		fromPin, _ := node.OutputPin(e.FromPin)
		target := p.nodes[e.ToNode]
		if target == nil || target.done {
			continue
		}

		if fromPin.Type == types.PinExec {
			if !contains(activated, e.FromPin) {
				if dataHandler == nil {
					continue // pending, not pruned (loop body firing)
				}
				target.execPruned++
				p.checkExecStarved(e.ToNode, target)
				continue
			}
			target.execFired++
			continue
		}

		if dataHandler != nil {
			toNode, _ := p.g.Node(e.ToNode)
			toPin, _ := toNode.InputPin(e.ToPin)
			dataHandler(e, toPin)
		}
	}
}

// checkExecStarved prunes a join node whose every incoming exec edge
// has been marked "will not fire".
func (p *planner) checkExecStarved(id string, ns *nodeState) {
	if ns.execTotal == 0 || ns.done || ns.pruned {
		return
	}
	if ns.execFired+ns.execPruned == ns.execTotal && ns.execFired == 0 {
		p.pruneNode(id)
	}
}

// pruneNode marks a node "will not fire" and recursively propagates
// over all its outgoing edges.
func (p *planner) pruneNode(id string) {
	ns := p.nodes[id]
	if ns == nil || ns.done || ns.pruned || ns.dispatched {
		return
	}
	ns.pruned = true
	ns.done = true
	p.activations[id] = []string{}
	p.propagate(id, nil, true)
}

/**
 * enterLoopIteration bounds the loop and resets the body subgraph for
 * re-entry. Body nodes drop their cached outputs and recompute their
 * counters: requirements met by nodes outside the body stay met,
 * everything sourced inside the body becomes pending again. The loop
 * node itself keeps this iteration's outputs cached (the body reads
 * item and index from them) but rearms so the body's back edge can
 * re-ready it.
 */
func (p *planner) enterLoopIteration(loopID string, ln *nodeState) error {
	limit := p.defaultLoopLimit
	if node, _ := p.g.Node(loopID); node != nil && node.LoopLimit > 0 {
		limit = node.LoopLimit
	}

	p.loopIters[loopID]++
	if p.loopIters[loopID] > limit {
		return types.NewLoopLimitError(loopID, limit)
	}

	body := p.g.LoopBody(loopID)
	member := make(map[string]bool, len(body))
	for _, id := range body {
		member[id] = true
	}
	for _, id := range body {
		p.resetNode(id, loopID, member)
	}

	// rearm the loop node for the back edge, keeping its cache
	ln.done = false
	ln.dispatched = false
	ln.execFired = 0
	ln.execPruned = 0
	return nil
}

func (p *planner) resetNode(id, loopID string, member map[string]bool) {
	ns := p.nodes[id]
	if ns == nil {
		return
	}
	delete(p.run.Outputs, id)
	delete(p.activations, id)

	ns.dispatched = false
	ns.done = false
	ns.pruned = false
	ns.failed = false
	ns.execFired = 0
	ns.execPruned = 0
	ns.dataRemaining = 0

	node, _ := p.g.Node(id)
	for _, e := range p.g.InEdges(id) {
		toPin, _ := node.InputPin(e.ToPin)
		src := e.FromNode
		srcState := p.nodes[src]

		if toPin.Type == types.PinExec {
			if src == loopID || member[src] || srcState == nil || !srcState.done {
				continue // pending: fires again within this iteration
			}
			// outside the loop and already decided: replay the decision
			if contains(p.activations[src], e.FromPin) {
				ns.execFired++
			} else {
				ns.execPruned++
			}
			continue
		}
		if !toPin.Required {
			continue
		}
		if src == loopID {
			continue // the loop node's fresh outputs are cached
		}
		if _, cached := p.run.CachedOutputs(src); cached && !member[src] {
			continue // still satisfied from outside the loop
		}
		if !member[src] && (toPin.Default != nil || (srcState != nil && srcState.pruned)) {
			continue // defaults keep applying as they did before
		}
		ns.dataRemaining++
	}
}

/**
 * resolveInputs draws a node's input values from the run's output
 * cache, pin defaults, and the planner-injected loop index. Values
 * produced under a wider pin type are coerced to the consuming pin's
 * declared type; a value that cannot be coerced fails the task
 * without retry.
 */
func (p *planner) resolveInputs(nodeID string) (types.Data, error) {
	node, exists := p.g.Node(nodeID)
	if !exists {
		return nil, errors.NotFoundf("node %s", nodeID)
	}

	inputs := types.Data{}
	for _, pin := range node.Inputs {
		if pin.Type == types.PinExec {
			continue
		}
		if p.g.IsLoopNode(nodeID) && pin.ID == graph.LoopIndexPin {
			inputs[pin.ID] = p.loopIters[nodeID]
			continue
		}

		if e, hasEdge := p.g.DataEdge(nodeID, pin.ID); hasEdge {
			if srcOut, cached := p.run.CachedOutputs(e.FromNode); cached {
				if v, valExists := srcOut[e.FromPin]; valExists {
					coerced, err := types.CoerceValue(v, pin.Type)
					if err != nil {
						return nil, types.NewFatalExecutionError(
							errors.Annotatef(err, "input pin %s.%s", nodeID, pin.ID), nodeID)
					}
					inputs[pin.ID] = coerced
					continue
				}
			}
			// producing node pruned or failed-with-continue: fall back
		}
		if pin.Default != nil {
			coerced, err := types.CoerceValue(pin.Default, pin.Type)
			if err != nil {
				return nil, types.NewFatalExecutionError(
					errors.Annotatef(err, "default for pin %s.%s", nodeID, pin.ID), nodeID)
			}
			inputs[pin.ID] = coerced
		}
	}
	return inputs, nil
}

func (p *planner) collectReady() []string {
	var ready []string
	for i := range p.g.Workflow.Nodes {
		id := p.g.Workflow.Nodes[i].ID
		if p.isReady(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// progress summarizes the run for state-machine decisions.
type progress struct {
	allDone  bool
	inFlight int
}

func (p *planner) progress() progress {
	pr := progress{allDone: true}
	for _, ns := range p.nodes {
		if !ns.done {
			pr.allDone = false
			if ns.dispatched {
				pr.inFlight++
			}
		}
	}
	return pr
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
