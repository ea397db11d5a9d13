package types

type Pin struct {
	ID       string  `json:"id"`
	Type     PinType `json:"type"`
	Required bool    `json:"required,omitempty"`
	Default  any     `json:"default,omitempty"`
}

type Node struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`

	Config  Data  `json:"config,omitempty"`
	Inputs  []Pin `json:"inputs,omitempty"`
	Outputs []Pin `json:"outputs,omitempty"`

	/**
	 * MaxAttempts bounds total delivery attempts for this node's tasks,
	 * 0 falls back to the engine default. ContinueOnFailure routes the
	 * node's error-path exec pin instead of failing the run once the
	 * retry budget is exhausted.
	 */
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure,omitempty"`
	ErrorPin          string `json:"error_pin,omitempty"`

	// LoopLimit bounds iterations for loop-construct nodes, 0 falls
	// back to the engine default.
	LoopLimit int `json:"loop_limit,omitempty"`
}

func (n *Node) InputPin(id string) (*Pin, bool) {
	for i := range n.Inputs {
		if n.Inputs[i].ID == id {
			return &n.Inputs[i], true
		}
	}
	return nil, false
}

func (n *Node) OutputPin(id string) (*Pin, bool) {
	for i := range n.Outputs {
		if n.Outputs[i].ID == id {
			return &n.Outputs[i], true
		}
	}
	return nil, false
}

type Edge struct {
	FromNode string `json:"from_node"`
	FromPin  string `json:"from_pin"`
	ToNode   string `json:"to_node"`
	ToPin    string `json:"to_pin"`
}

type Trigger struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Type   string `json:"type"`
	Config Data   `json:"config,omitempty"`
}

/**
 * Workflow is an immutable versioned definition. The node/edge set must
 * form a graph with no dangling references; validation lives in the
 * graph package and runs before any run is started.
 */
type Workflow struct {
	ID      string  `json:"id"`
	Version Version `json:"version"`
	Name    string  `json:"name,omitempty"`

	Nodes    []Node    `json:"nodes"`
	Edges    []Edge    `json:"edges"`
	Triggers []Trigger `json:"triggers,omitempty"`
}

func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

func (w *Workflow) Trigger(id string) (*Trigger, bool) {
	for i := range w.Triggers {
		if w.Triggers[i].ID == id {
			return &w.Triggers[i], true
		}
	}
	return nil, false
}
