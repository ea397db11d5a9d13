package graph

import (
	"github.com/juju/errors"

	"github.com/conductline/conduct/types"
)

// LoopNodeType tags the designated loop-construct node. The planner
// re-enters the loop body by resetting readiness counters, so the
// underlying graph stays acyclic everywhere except through this node.
const LoopNodeType = "logic.loop"

// Loop node pins with planner-assigned meaning.
const (
	LoopBodyPin  = "body"
	LoopDonePin  = "done"
	LoopNextPin  = "next"
	LoopIndexPin = "index"
)

func isLoopNode(n *types.Node) bool {
	return n.Type == LoopNodeType
}

// isInjectedPin reports whether the engine resolves the pin itself
// rather than via an edge or a default (the loop iteration index).
func isInjectedPin(n *types.Node, pin string) bool {
	return isLoopNode(n) && pin == LoopIndexPin
}

/**
 * Graph is the compiled, immutable form of a validated workflow:
 * adjacency both ways, the readiness template each run starts from,
 * and the resolved member set of every loop body. Compile assumes
 * Validate passed; it returns an error only on definitions that never
 * went through validation.
 */
type Graph struct {
	Workflow *types.Workflow

	nodes map[string]*types.Node

	outEdges map[string][]types.Edge // keyed by source node id
	inEdges  map[string][]types.Edge // keyed by target node id

	// dataIn maps node id -> input pin id -> producing edge
	dataIn map[string]map[string]types.Edge

	// template counters per node: required data pins fed by an edge,
	// and incoming exec edges (join semantics)
	dataNeeds map[string]int
	execNeeds map[string]int

	// loopBodies maps loop node id -> member node ids of its body
	loopBodies map[string][]string
}

func Compile(wf *types.Workflow) (*Graph, error) {
	if err := Validate(wf); err != nil {
		return nil, errors.Trace(err)
	}

	g := &Graph{
		Workflow:   wf,
		nodes:      make(map[string]*types.Node, len(wf.Nodes)),
		outEdges:   make(map[string][]types.Edge),
		inEdges:    make(map[string][]types.Edge),
		dataIn:     make(map[string]map[string]types.Edge),
		dataNeeds:  make(map[string]int),
		execNeeds:  make(map[string]int),
		loopBodies: make(map[string][]string),
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		g.nodes[n.ID] = n
		g.dataNeeds[n.ID] = 0
		g.execNeeds[n.ID] = 0
	}

	for _, e := range wf.Edges {
		g.outEdges[e.FromNode] = append(g.outEdges[e.FromNode], e)
		g.inEdges[e.ToNode] = append(g.inEdges[e.ToNode], e)

		to := g.nodes[e.ToNode]
		pin, _ := to.InputPin(e.ToPin)
		if pin.Type == types.PinExec {
			g.execNeeds[e.ToNode]++
			continue
		}
		if g.dataIn[e.ToNode] == nil {
			g.dataIn[e.ToNode] = make(map[string]types.Edge)
		}
		g.dataIn[e.ToNode][e.ToPin] = e
		if pin.Required {
			g.dataNeeds[e.ToNode]++
		}
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if !isLoopNode(n) {
			continue
		}
		body, err := g.resolveLoopBody(n.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		g.loopBodies[n.ID] = body
	}

	return g, nil
}

func (g *Graph) Node(id string) (*types.Node, bool) {
	n, exists := g.nodes[id]
	return n, exists
}

func (g *Graph) OutEdges(nodeID string) []types.Edge {
	return g.outEdges[nodeID]
}

func (g *Graph) InEdges(nodeID string) []types.Edge {
	return g.inEdges[nodeID]
}

// DataEdge returns the edge feeding the given data input pin, if any.
func (g *Graph) DataEdge(nodeID, pin string) (types.Edge, bool) {
	e, exists := g.dataIn[nodeID][pin]
	return e, exists
}

// DataNeeds returns how many required data input pins of the node are
// fed by an edge (pins satisfied by defaults do not gate readiness).
func (g *Graph) DataNeeds(nodeID string) int {
	return g.dataNeeds[nodeID]
}

// ExecNeeds returns the node's count of incoming exec edges.
func (g *Graph) ExecNeeds(nodeID string) int {
	return g.execNeeds[nodeID]
}

func (g *Graph) IsLoopNode(nodeID string) bool {
	n, exists := g.nodes[nodeID]
	return exists && isLoopNode(n)
}

// LoopBody returns the member node ids of a loop node's body subgraph.
func (g *Graph) LoopBody(loopID string) []string {
	return g.loopBodies[loopID]
}

/**
 * resolveLoopBody walks exec edges forward from the loop node's body
 * pin; every node reached before control returns to the loop node is a
 * body member and has its readiness reset on each iteration.
 */
func (g *Graph) resolveLoopBody(loopID string) ([]string, error) {
	visited := make(map[string]bool)
	var members []string

	var walk func(id string)
	walk = func(id string) {
		if id == loopID || visited[id] {
			return
		}
		visited[id] = true
		members = append(members, id)
		for _, e := range g.outEdges[id] {
			from := g.nodes[e.FromNode]
			if pin, ok := from.OutputPin(e.FromPin); ok && pin.Type == types.PinExec {
				walk(e.ToNode)
			}
		}
	}

	loop, exists := g.nodes[loopID]
	if !exists {
		return nil, errors.NotFoundf("loop node %s", loopID)
	}
	if _, ok := loop.OutputPin(LoopBodyPin); !ok {
		return nil, errors.BadRequestf("loop node %s has no %q output pin", loopID, LoopBodyPin)
	}
	for _, e := range g.outEdges[loopID] {
		if e.FromPin == LoopBodyPin {
			walk(e.ToNode)
		}
	}
	return members, nil
}

// StartNodes returns nodes eligible at seed time: the fired trigger's
// node plus any node with no inbound requirements at all. Trigger
// nodes other than the fired one are pruned by the planner so joins
// downstream never wait on them.
func (g *Graph) StartNodes(firedTrigger string) []string {
	triggerNodes := make(map[string]bool, len(g.Workflow.Triggers))
	for _, tr := range g.Workflow.Triggers {
		triggerNodes[tr.NodeID] = true
	}

	var start []string
	for i := range g.Workflow.Nodes {
		id := g.Workflow.Nodes[i].ID
		if id == firedTrigger {
			start = append(start, id)
			continue
		}
		if triggerNodes[id] {
			continue
		}
		if g.execNeeds[id] == 0 && g.dataNeeds[id] == 0 && len(g.inEdges[id]) == 0 {
			start = append(start, id)
		}
	}
	return start
}

// UnfiredTriggers returns trigger nodes other than the fired one.
func (g *Graph) UnfiredTriggers(firedTrigger string) []string {
	var others []string
	for _, tr := range g.Workflow.Triggers {
		if tr.NodeID != firedTrigger {
			others = append(others, tr.NodeID)
		}
	}
	return others
}
