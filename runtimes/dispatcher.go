package runtimes

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/conductline/conduct/types"
)

/**
 * Dispatcher routes a node execution request to the runtime registered
 * for the node's type tag and enforces the envelope contract on the
 * way back: the returned output must cover every declared non-exec
 * output pin, coerced to the pin's type, and every fault surfaces as
 * an ExecutionError. New runtimes register without touching the
 * planner.
 */
type Dispatcher struct {
	mu        sync.RWMutex
	runtimes  map[Kind]Runtime
	nodeKinds map[string]Kind // node type tag -> runtime kind
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		runtimes:  make(map[Kind]Runtime),
		nodeKinds: make(map[string]Kind),
	}
}

func (d *Dispatcher) Register(rt Runtime) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.runtimes[rt.Kind()]; exists {
		return errors.AlreadyExistsf("runtime kind %q", rt.Kind())
	}
	d.runtimes[rt.Kind()] = rt
	return nil
}

// Bind maps a node type tag to the runtime kind that handles it.
func (d *Dispatcher) Bind(nodeType string, kind Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, exists := d.nodeKinds[nodeType]; exists && existing != kind {
		return errors.AlreadyExistsf("node type %q bound to %q", nodeType, existing)
	}
	d.nodeKinds[nodeType] = kind
	return nil
}

func (d *Dispatcher) lookup(nodeType string) (Runtime, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kind, exists := d.nodeKinds[nodeType]
	if !exists {
		return nil, errors.NotFoundf("runtime for node type %q", nodeType)
	}
	rt, exists := d.runtimes[kind]
	if !exists {
		return nil, errors.NotFoundf("runtime kind %q", kind)
	}
	return rt, nil
}

func (d *Dispatcher) Execute(ctx context.Context, node *types.Node, input types.Data) (res *Result, retErr error) {
	rt, err := d.lookup(node.Type)
	if err != nil {
		return nil, types.NewFatalExecutionError(err, node.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			retErr = types.NewExecutionErrorf(node.ID, "panic in node %s: %v", node.ID, r)
		}
	}()

	res, err = rt.Execute(ctx, node.Type, Invocation{Input: input, Config: node.Config})
	if err != nil {
		if _, isExec := types.Classify(err).(*types.ExecutionError); isExec {
			return nil, errors.Trace(err)
		}
		return nil, types.NewExecutionError(err, node.ID)
	}
	if res == nil {
		res = &Result{}
	}

	if err := d.conformOutputs(node, res); err != nil {
		return nil, errors.Trace(err)
	}
	return res, nil
}

/**
 * conformOutputs checks the result against the node's declared output
 * pins: a missing data pin value is an execution fault, a present one
 * is coerced to the pin's declared type, and activated exec pins must
 * exist on the node.
 */
func (d *Dispatcher) conformOutputs(node *types.Node, res *Result) error {
	for _, pin := range node.Outputs {
		if pin.Type == types.PinExec {
			continue
		}
		v, exists := res.Output[pin.ID]
		if !exists {
			return types.NewFatalExecutionErrorf(node.ID,
				"node %s produced no value for output pin %s", node.ID, pin.ID)
		}
		coerced, err := types.CoerceValue(v, pin.Type)
		if err != nil {
			return types.NewFatalExecutionError(
				errors.Annotatef(err, "output pin %s.%s", node.ID, pin.ID), node.ID)
		}
		res.Output[pin.ID] = coerced
	}

	for _, pinID := range res.Activated {
		pin, exists := node.OutputPin(pinID)
		if !exists || pin.Type != types.PinExec {
			return types.NewFatalExecutionErrorf(node.ID,
				"node %s activated unknown exec pin %s", node.ID, pinID)
		}
	}
	return nil
}
