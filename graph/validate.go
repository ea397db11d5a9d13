package graph

import (
	"fmt"

	"github.com/conductline/conduct/types"
)

/**
 * Validate checks a workflow definition against the structural and
 * type-compatibility invariants and returns a *types.ValidationError
 * enumerating every violation found, not just the first. A workflow
 * that passes Validate can always be compiled.
 */
func Validate(wf *types.Workflow) error {
	v := &validator{wf: wf}

	v.checkNodes()
	v.checkEdges()
	v.checkUnboundInputs()
	v.checkExecCycles()
	v.checkTriggers()

	if len(v.violations) > 0 {
		return types.NewValidationError(v.violations)
	}
	return nil
}

type validator struct {
	wf         *types.Workflow
	violations []string
}

func (v *validator) addf(format string, args ...any) {
	v.violations = append(v.violations, fmt.Sprintf(format, args...))
}

func (v *validator) checkNodes() {
	seen := make(map[string]bool, len(v.wf.Nodes))
	for i := range v.wf.Nodes {
		n := &v.wf.Nodes[i]
		if n.ID == "" {
			v.addf("node at index %d has empty id", i)
			continue
		}
		if seen[n.ID] {
			v.addf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		pins := make(map[string]bool, len(n.Inputs)+len(n.Outputs))
		for _, p := range n.Inputs {
			if !p.Type.Valid() {
				v.addf("node %q input pin %q has unknown type %q", n.ID, p.ID, p.Type)
			}
			if pins[p.ID] {
				v.addf("node %q has duplicate input pin %q", n.ID, p.ID)
			}
			pins[p.ID] = true
		}
		pins = make(map[string]bool, len(n.Outputs))
		for _, p := range n.Outputs {
			if !p.Type.Valid() {
				v.addf("node %q output pin %q has unknown type %q", n.ID, p.ID, p.Type)
			}
			if pins[p.ID] {
				v.addf("node %q has duplicate output pin %q", n.ID, p.ID)
			}
			pins[p.ID] = true
		}
	}
}

func (v *validator) checkEdges() {
	// single-writer data pins: a non-exec input may have at most one
	// incoming edge; exec inputs take any number (join semantics)
	writers := make(map[string]int)

	for _, e := range v.wf.Edges {
		from, fromExists := v.wf.Node(e.FromNode)
		to, toExists := v.wf.Node(e.ToNode)
		if !fromExists {
			v.addf("edge %s.%s -> %s.%s references unknown source node",
				e.FromNode, e.FromPin, e.ToNode, e.ToPin)
		}
		if !toExists {
			v.addf("edge %s.%s -> %s.%s references unknown target node",
				e.FromNode, e.FromPin, e.ToNode, e.ToPin)
		}
		if !fromExists || !toExists {
			continue
		}

		fromPin, ok := from.OutputPin(e.FromPin)
		if !ok {
			v.addf("edge source %s.%s: node has no such output pin", e.FromNode, e.FromPin)
			continue
		}
		toPin, ok := to.InputPin(e.ToPin)
		if !ok {
			v.addf("edge target %s.%s: node has no such input pin", e.ToNode, e.ToPin)
			continue
		}

		if !types.Compatible(fromPin.Type, toPin.Type) {
			v.addf("edge %s.%s -> %s.%s: pin type %q is not compatible with %q",
				e.FromNode, e.FromPin, e.ToNode, e.ToPin, fromPin.Type, toPin.Type)
		}

		if toPin.Type != types.PinExec {
			key := e.ToNode + "." + e.ToPin
			if writers[key]++; writers[key] == 2 {
				v.addf("data input pin %s has more than one incoming edge", key)
			}
		}
	}
}

func (v *validator) checkUnboundInputs() {
	bound := make(map[string]bool, len(v.wf.Edges))
	for _, e := range v.wf.Edges {
		bound[e.ToNode+"."+e.ToPin] = true
	}
	for i := range v.wf.Nodes {
		n := &v.wf.Nodes[i]
		for _, p := range n.Inputs {
			if p.Type == types.PinExec || !p.Required {
				continue
			}
			if p.Default != nil || bound[n.ID+"."+p.ID] {
				continue
			}
			// engine-resolved pins are bound at dispatch time
			if isInjectedPin(n, p.ID) {
				continue
			}
			v.addf("node %q required input pin %q has no incoming edge and no default", n.ID, p.ID)
		}
	}
}

/**
 * checkExecCycles rejects any exec-pin cycle that does not cross a
 * loop-construct node: such a cycle would re-activate itself forever
 * with no iteration bound. Cycles through a loop node are the intended
 * modeling of bounded re-entry and are allowed.
 */
func (v *validator) checkExecCycles() {
	adj := make(map[string][]string)
	for _, e := range v.wf.Edges {
		from, ok := v.wf.Node(e.FromNode)
		if !ok {
			continue
		}
		pin, ok := from.OutputPin(e.FromPin)
		if !ok || pin.Type != types.PinExec {
			continue
		}
		// search the exec graph with loop nodes removed: a cycle that
		// crosses one can never appear there
		if isLoopNode(from) {
			continue
		}
		if to, ok := v.wf.Node(e.ToNode); !ok || isLoopNode(to) {
			continue
		}
		adj[e.FromNode] = append(adj[e.FromNode], e.ToNode)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for i := range v.wf.Nodes {
		id := v.wf.Nodes[i].ID
		if color[id] == white && visit(id) {
			v.addf("exec cycle through node %q does not cross a loop node", id)
			return
		}
	}
}

func (v *validator) checkTriggers() {
	seen := make(map[string]bool, len(v.wf.Triggers))
	for _, tr := range v.wf.Triggers {
		if seen[tr.ID] {
			v.addf("duplicate trigger id %q", tr.ID)
		}
		seen[tr.ID] = true
		if _, ok := v.wf.Node(tr.NodeID); !ok {
			v.addf("trigger %q references unknown node %q", tr.ID, tr.NodeID)
		}
	}
}
