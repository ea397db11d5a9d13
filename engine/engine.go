package engine

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/conductline/conduct/graph"
	"github.com/conductline/conduct/history"
	"github.com/conductline/conduct/queue"
	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/runtimes/builtin"
	"github.com/conductline/conduct/store"
	"github.com/conductline/conduct/types"
)

/**
 * Engine wires the execution core together: workflow registry, run
 * lifecycle, planner bookkeeping and the worker pool. Workers in other
 * processes coordinate with this one purely through the shared queue
 * and store; nothing here assumes it is the only engine instance.
 */
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts       *types.EngineOptions
	store      store.Store
	queue      queue.Queue
	hist       *history.Log
	dispatcher *runtimes.Dispatcher
	builtins   *builtin.Runtime

	wp *workerpool.WorkerPool

	wfMu      sync.Mutex
	workflows map[string]*graph.Graph // keyed by id@version

	// runMu guards the per-run lock table; each run's completions are
	// serialized under its own lock so cache writes stay exactly-once
	// within this process.
	runMu    sync.Mutex
	runLocks map[string]*sync.Mutex
	planners map[string]*planner

	running bool
	exitWG  sync.WaitGroup
}

func New(s store.Store, q queue.Queue, d *runtimes.Dispatcher, builtins *builtin.Runtime, opts *types.EngineOptions) *Engine {
	e := &Engine{
		opts:       opts,
		store:      s,
		queue:      q,
		hist:       history.NewLog(s),
		dispatcher: d,
		builtins:   builtins,
		wp:         workerpool.New(opts.MaxNodeConcurrency),
		workflows:  make(map[string]*graph.Graph),
		runLocks:   make(map[string]*sync.Mutex),
		planners:   make(map[string]*planner),
	}
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(opts.Ctx)
	e.running = true

	if opts.AutoStart {
		e.startWorkers()
	}
	return e
}

func (e *Engine) startWorkers() {
	for i := 0; i < e.opts.WorkerCount; i++ {
		w := newWorker(e, uuid.NewString())
		e.exitWG.Add(1)
		go func() {
			defer e.exitWG.Done()
			w.loop()
		}()
	}
}

/**
 * RegisterWorkflow validates, compiles and persists a workflow
 * definition. Registration is idempotent for identical id@version
 * pairs; a definition that fails validation is rejected with every
 * violation enumerated.
 */
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *types.Workflow) error {
	if !e.running {
		return errors.MethodNotAllowedf("engine closed")
	}

	g, err := graph.Compile(wf)
	if err != nil {
		return errors.Trace(err)
	}
	if err := saveWorkflow(ctx, e.store, wf); err != nil {
		return errors.Trace(err)
	}

	e.wfMu.Lock()
	defer e.wfMu.Unlock()
	e.workflows[workflowKey(wf.ID, wf.Version)] = g
	return nil
}

// RegisterBuiltin adds a native node definition and binds its type tag
// to the builtin runtime.
func (e *Engine) RegisterBuiltin(def builtin.Definition) error {
	if err := e.builtins.Register(def); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.dispatcher.Bind(def.Type, runtimes.KindBuiltin))
}

func (e *Engine) graphFor(ctx context.Context, workflowID string, version types.Version) (*graph.Graph, error) {
	key := workflowKey(workflowID, version)

	e.wfMu.Lock()
	g, exists := e.workflows[key]
	e.wfMu.Unlock()
	if exists {
		return g, nil
	}

	// definitions registered by another engine instance are adopted
	// from the store on first use
	wf, err := loadWorkflow(ctx, e.store, workflowID, version)
	if err != nil {
		return nil, errors.Trace(err)
	}
	g, err = graph.Compile(wf)
	if err != nil {
		return nil, errors.Trace(err)
	}

	e.wfMu.Lock()
	e.workflows[key] = g
	e.wfMu.Unlock()
	return g, nil
}

// latestVersion scans registered versions of a workflow id.
func (e *Engine) latestVersion(workflowID string) (types.Version, bool) {
	e.wfMu.Lock()
	defer e.wfMu.Unlock()

	var best types.Version
	found := false
	for _, g := range e.workflows {
		if g.Workflow.ID == workflowID && (!found || g.Workflow.Version > best) {
			best = g.Workflow.Version
			found = true
		}
	}
	return best, found
}

// StartRun creates a run from the workflow's first registered trigger.
func (e *Engine) StartRun(ctx context.Context, workflowID string, payload types.Data) (string, error) {
	version, found := e.latestVersion(workflowID)
	if !found {
		return "", errors.NotFoundf("workflow %s", workflowID)
	}
	g, err := e.graphFor(ctx, workflowID, version)
	if err != nil {
		return "", errors.Trace(err)
	}

	triggerID := ""
	if len(g.Workflow.Triggers) > 0 {
		triggerID = g.Workflow.Triggers[0].ID
	}
	return e.StartRunWithTrigger(ctx, workflowID, version, triggerID, payload)
}

/**
 * StartRunWithTrigger seeds a run: the named trigger's node plus every
 * requirement-free node is enqueued, the other trigger nodes are
 * pruned, and the run transitions not_started -> running with both
 * transitions on the history log.
 */
func (e *Engine) StartRunWithTrigger(ctx context.Context, workflowID string, version types.Version, triggerID string, payload types.Data) (string, error) {
	if !e.running {
		return "", errors.MethodNotAllowedf("engine closed")
	}
	g, err := e.graphFor(ctx, workflowID, version)
	if err != nil {
		return "", errors.Trace(err)
	}
	if triggerID != "" {
		if _, exists := g.Workflow.Trigger(triggerID); !exists {
			return "", errors.NotFoundf("trigger %s on workflow %s", triggerID, workflowID)
		}
	}

	run := &types.Run{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		Status:          types.RunNotStarted,
		TriggerID:       triggerID,
		TriggerContext:  payload,
		Outputs:         make(map[string]types.Data),
		StartedAt:       time.Now(),
	}

	if err := e.appendTransition(ctx, run, types.RunNotStarted); err != nil {
		return "", errors.Trace(err)
	}

	lock := e.lockRun(run.ID)
	defer lock.Unlock()

	p := newPlanner(g, run, e.opts.DefaultLoopLimit)
	e.runMu.Lock()
	e.planners[run.ID] = p
	e.runMu.Unlock()

	if err := transition(run, types.RunRunning); err != nil {
		return "", errors.Trace(err)
	}
	if err := e.appendTransition(ctx, run, types.RunRunning); err != nil {
		return "", errors.Trace(err)
	}

	ready := p.seed(firedTriggerNode(g, run))
	if err := e.enqueueReady(ctx, run, p, ready); err != nil {
		return "", errors.Trace(err)
	}
	if err := e.settleRunStatus(ctx, run, p); err != nil {
		return "", errors.Trace(err)
	}
	if err := saveRun(ctx, e.store, run); err != nil {
		return "", errors.Trace(err)
	}
	return run.ID, nil
}

/**
 * CancelRun moves the run to its cancelled terminal state. In-flight
 * tasks run to completion but their results are discarded, and no new
 * task is enqueued for the run afterwards; tasks already queued are
 * deleted unprocessed when a worker leases them.
 */
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	lock := e.lockRun(runID)
	defer lock.Unlock()

	run, err := loadRun(ctx, e.store, runID)
	if err != nil {
		return errors.Trace(err)
	}
	if run == nil {
		return errors.NotFoundf("run %s", runID)
	}
	if run.Status.Terminal() {
		return errors.Forbiddenf("run %s already %v", runID, run.Status)
	}

	if err := transition(run, types.RunCancelled); err != nil {
		return errors.Trace(err)
	}
	if err := e.appendTransition(ctx, run, types.RunCancelled); err != nil {
		return errors.Trace(err)
	}
	if err := saveRun(ctx, e.store, run); err != nil {
		return errors.Trace(err)
	}
	e.forgetRun(runID)
	return nil
}

// GetRunStatus is the read-only query surface for the run record,
// including the output cache, failure details and credit total.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*types.Run, error) {
	run, err := loadRun(ctx, e.store, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if run == nil {
		return nil, errors.NotFoundf("run %s", runID)
	}
	return run, nil
}

// GetRunHistory returns the append-only log in sequence order. The
// administrative UI consumes this; it never writes execution state.
func (e *Engine) GetRunHistory(ctx context.Context, runID string) ([]*types.HistoryEntry, error) {
	entries, err := e.hist.Entries(ctx, runID)
	return entries, errors.Trace(err)
}

/**
 * RunOnce drives a single queue poll synchronously. Only useful with
 * DisableAutoStart, for callers (and tests) that want deterministic
 * stepping instead of background workers.
 */
func (e *Engine) RunOnce() error {
	w := newWorker(e, "run-once")
	return errors.Trace(w.runOnce())
}

func (e *Engine) Close(ctx context.Context) error {
	if !e.running {
		return nil
	}
	e.running = false
	e.cancel()
	e.exitWG.Wait()
	e.wp.StopWait()
	return errors.Trace(e.queue.Close())
}

// ── internal plumbing ──

func (e *Engine) lockRun(runID string) *sync.Mutex {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	lock, exists := e.runLocks[runID]
	if !exists {
		lock = &sync.Mutex{}
		e.runLocks[runID] = lock
	}
	lock.Lock()
	return lock
}

func (e *Engine) forgetRun(runID string) {
	e.runMu.Lock()
	delete(e.planners, runID)
	delete(e.runLocks, runID)
	e.runMu.Unlock()
	e.hist.Forget(runID)
}

// plannerFor returns the live planner for a run, rebuilding it from
// the history log when this process has never seen the run (worker
// crash recovery, or the run was started by another engine instance).
func (e *Engine) plannerFor(ctx context.Context, g *graph.Graph, run *types.Run) (*planner, error) {
	e.runMu.Lock()
	p, exists := e.planners[run.ID]
	e.runMu.Unlock()
	if exists {
		p.run = run
		return p, nil
	}

	entries, err := e.hist.Entries(ctx, run.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p, err = rebuildPlanner(g, run, e.opts.DefaultLoopLimit, entries)
	if err != nil {
		return nil, errors.Trace(err)
	}

	e.runMu.Lock()
	e.planners[run.ID] = p
	e.runMu.Unlock()
	return p, nil
}

func (e *Engine) appendTransition(ctx context.Context, run *types.Run, status types.RunStatus) error {
	return errors.Trace(e.hist.Append(ctx, &types.HistoryEntry{
		RunID:  run.ID,
		Kind:   types.HistoryRunTransition,
		Status: status,
		Error:  run.Error,
	}))
}

/**
 * enqueueReady resolves inputs for each newly ready node and pushes
 * one task per node, recording task_queued on the history log. Input
 * resolution failures (an uncoercible value) fail the node without
 * retry via the normal failure path.
 */
func (e *Engine) enqueueReady(ctx context.Context, run *types.Run, p *planner, ready []string) error {
	for _, nodeID := range ready {
		inputs, err := p.resolveInputs(nodeID)
		if err != nil {
			if ferr := e.failNode(ctx, run, p, nodeID, "", err); ferr != nil {
				return errors.Trace(ferr)
			}
			continue
		}

		task := &types.Task{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			NodeID:     nodeID,
			Inputs:     inputs,
			Attempt:    1,
			EnqueuedAt: time.Now(),
		}
		if nodeID == firedTriggerNode(p.g, run) {
			task.Inputs = inputs.Merge(types.Data{"payload": run.TriggerContext})
		}

		if err := e.queue.Push(ctx, task, 0); err != nil {
			return errors.Trace(err)
		}
		p.markDispatched(nodeID)

		if err := e.hist.Append(ctx, &types.HistoryEntry{
			RunID:   run.ID,
			Kind:    types.HistoryTaskQueued,
			TaskID:  task.ID,
			NodeID:  nodeID,
			Attempt: task.Attempt,
		}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

/**
 * failNode is the terminal failure path shared by execution errors
 * with an exhausted budget and unresolvable inputs: either the node
 * continues on failure and the planner routes its error pin, or the
 * run fails.
 */
func (e *Engine) failNode(ctx context.Context, run *types.Run, p *planner, nodeID, taskID string, cause error) error {
	node, _ := p.g.Node(nodeID)

	if err := e.hist.Append(ctx, &types.HistoryEntry{
		RunID:  run.ID,
		Kind:   types.HistoryTaskFailed,
		TaskID: taskID,
		NodeID: nodeID,
		Error:  errors.ErrorStack(cause),
		Final:  true,
	}); err != nil {
		return errors.Trace(err)
	}

	if node != nil && node.ContinueOnFailure {
		if _, isLoop := types.Classify(cause).(*types.LoopLimitError); !isLoop {
			ready, err := p.applyFailure(taskID, nodeID)
			if err != nil {
				return errors.Trace(err)
			}
			if err := e.enqueueReady(ctx, run, p, ready); err != nil {
				return errors.Trace(err)
			}
			if err := e.settleRunStatus(ctx, run, p); err != nil {
				return errors.Trace(err)
			}
			if err := saveRun(ctx, e.store, run); err != nil {
				return errors.Trace(err)
			}
			if run.Status.Terminal() {
				e.forgetRun(run.ID)
			}
			return nil
		}
	}

	run.FailedNode = nodeID
	run.Error = errors.ErrorStack(cause)
	if err := transition(run, types.RunFailed); err != nil {
		return errors.Trace(err)
	}
	if err := e.appendTransition(ctx, run, types.RunFailed); err != nil {
		return errors.Trace(err)
	}
	if err := saveRun(ctx, e.store, run); err != nil {
		return errors.Trace(err)
	}
	e.forgetRun(run.ID)
	log.Errorf("run %s failed at node %s: %v", run.ID, nodeID, cause)
	return nil
}

/**
 * settleRunStatus recomputes the running sub-state after planner
 * movement: completed when every node is decided and nothing is in
 * flight, waiting when the planner holds no ready or in-flight node
 * (parked on an external event), running otherwise. Blocked is set by
 * the retry path when it re-queues a failed attempt.
 */
func (e *Engine) settleRunStatus(ctx context.Context, run *types.Run, p *planner) error {
	if run.Status.Terminal() {
		return nil
	}

	pr := p.progress()
	switch {
	case pr.allDone:
		if err := transition(run, types.RunCompleted); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(e.appendTransition(ctx, run, types.RunCompleted))

	case pr.inFlight == 0:
		if run.Status != types.RunWaiting {
			if err := transition(run, types.RunWaiting); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(e.appendTransition(ctx, run, types.RunWaiting))
		}
		return nil

	default:
		if run.Status != types.RunRunning {
			if err := transition(run, types.RunRunning); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(e.appendTransition(ctx, run, types.RunRunning))
		}
		return nil
	}
}

func (e *Engine) creditsFor(node *types.Node) int64 {
	if v, exists := node.Config.GetInt("credits"); exists {
		return int64(v)
	}
	if def, exists := e.builtins.Definition(node.Type); exists {
		return def.Credits
	}
	return 1
}

func (e *Engine) maxAttemptsFor(node *types.Node) int {
	if node.MaxAttempts > 0 {
		return node.MaxAttempts
	}
	return e.opts.DefaultMaxAttempts
}

// retryDelay doubles the backoff per attempt, capped at the configured
// maximum.
func (e *Engine) retryDelay(attempt int) time.Duration {
	d := e.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.RetryBackoffMax {
			return e.opts.RetryBackoffMax
		}
	}
	if e.opts.RetryBackoffMax > 0 && d > e.opts.RetryBackoffMax {
		return e.opts.RetryBackoffMax
	}
	return d
}
