package engine

import (
	"context"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/conductline/conduct/graph"
	"github.com/conductline/conduct/queue"
	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/types"
)

/**
 * worker is one polling consumer loop. It leases a task from the
 * queue, runs the node through the dispatcher on the shared pool, and
 * reports the outcome back through the planner. The queue delivers
 * at-least-once, so every step downstream of Pop tolerates seeing the
 * same task twice: decided nodes are answered from the cache, and the
 * planner dedupes completion reports by task id.
 */
type worker struct {
	engine  *Engine
	id      string
	limiter *rate.Limiter
}

func newWorker(e *Engine, id string) *worker {
	var limiter *rate.Limiter
	if e.opts.DequeueRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.DequeueRate), e.opts.DequeueBurst)
	}
	return &worker{engine: e, id: id, limiter: limiter}
}

func (w *worker) loop() {
	for {
		select {
		case <-w.engine.ctx.Done():
			return
		default:
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(w.engine.ctx); err != nil {
				return
			}
		}
		if err := w.runOnce(); err != nil {
			log.Errorf("worker %s: %v", w.id, err)
			// queue backend hiccup; do not spin
			select {
			case <-w.engine.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// runOnce polls the queue once and processes the leased task, if any.
func (w *worker) runOnce() error {
	e := w.engine

	leased, err := e.queue.Pop(e.ctx, e.opts.PollTimeout)
	if err != nil {
		if e.ctx.Err() != nil {
			return nil
		}
		return errors.Trace(err)
	}
	if leased == nil {
		return nil
	}
	return errors.Trace(w.handleTask(leased))
}

func (w *worker) handleTask(leased *queue.Leased) error {
	e := w.engine
	task := &leased.Task

	run, err := loadRun(e.ctx, e.store, task.RunID)
	if err != nil {
		return errors.Trace(err)
	}
	if run == nil || run.Status.Terminal() {
		// cancelled or finished while the task sat in the queue
		return errors.Trace(e.queue.Delete(e.ctx, leased.Receipt))
	}

	g, err := e.graphFor(e.ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return errors.Trace(err)
	}
	node, exists := g.Node(task.NodeID)
	if !exists {
		log.Warnf("run %s references unknown node %s, dropping task", run.ID, task.NodeID)
		return errors.Trace(e.queue.Delete(e.ctx, leased.Receipt))
	}

	// redelivery of an already-decided node: answer from state, skip
	// the side effects
	skip, err := w.checkRedelivery(g, run, task)
	if err != nil {
		return errors.Trace(err)
	}
	if skip {
		return errors.Trace(e.queue.Delete(e.ctx, leased.Receipt))
	}

	if err := e.hist.Append(e.ctx, &types.HistoryEntry{
		RunID:   run.ID,
		Kind:    types.HistoryTaskStarted,
		TaskID:  task.ID,
		NodeID:  task.NodeID,
		Attempt: task.Attempt,
	}); err != nil {
		return errors.Trace(err)
	}

	result, execErr := w.execute(run, node, task, leased.Receipt)

	// the run may have been cancelled mid-execution; the result is
	// then discarded, never applied
	run, err = loadRun(e.ctx, e.store, task.RunID)
	if err != nil {
		return errors.Trace(err)
	}
	if run == nil || run.Status.Terminal() {
		return errors.Trace(e.queue.Delete(e.ctx, leased.Receipt))
	}

	if execErr != nil {
		if err := w.handleFailure(g, run, node, task, execErr); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(e.queue.Delete(e.ctx, leased.Receipt))
	}

	if err := w.applyCompletion(g, run, task, result.Output, result.Activated); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.queue.Delete(e.ctx, leased.Receipt))
}

// checkRedelivery consults the planner under the run lock: a task whose
// completion is already applied, or whose node already has cached
// outputs, must not execute again.
func (w *worker) checkRedelivery(g *graph.Graph, run *types.Run, task *types.Task) (bool, error) {
	e := w.engine
	lock := e.lockRun(run.ID)
	defer lock.Unlock()

	p, err := e.plannerFor(e.ctx, g, run)
	if err != nil {
		return false, errors.Trace(err)
	}
	return p.alreadyApplied(task.ID) || p.cacheHit(task.NodeID), nil
}

/**
 * execute runs the node on the shared pool, bounding node concurrency
 * across all workers, and extends the queue lease at half-life for as
 * long as the node runs.
 */
func (w *worker) execute(run *types.Run, node *types.Node, task *types.Task, receipt string) (result *runtimes.Result, execErr error) {
	e := w.engine

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	tctx := newTaskContext(ctx, run.ID, task.NodeID, task.Attempt)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(e.opts.LeaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.queue.ExtendLease(e.ctx, receipt, e.opts.LeaseDuration); err != nil {
					log.Warnf("extend lease for task %s: %v", task.ID, err)
				}
			}
		}
	}()

	e.wp.SubmitWait(func() {
		result, execErr = e.dispatcher.Execute(tctx, node, task.Inputs)
	})
	cancel()
	<-heartbeatDone
	return result, execErr
}

/**
 * handleFailure re-queues a retryable failure with exponential backoff
 * until the node's attempt budget is exhausted, then routes through the
 * terminal failure path. Each re-queued attempt is a fresh task id at
 * attempt+1; the run is marked blocked while a retry is pending.
 */
func (w *worker) handleFailure(g *graph.Graph, run *types.Run, node *types.Node, task *types.Task, execErr error) error {
	e := w.engine
	lock := e.lockRun(run.ID)
	defer lock.Unlock()

	// reload under the lock: another worker may have moved the run
	fresh, err := loadRun(e.ctx, e.store, run.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if fresh == nil || fresh.Status.Terminal() {
		return nil
	}
	run = fresh

	p, err := e.plannerFor(e.ctx, g, run)
	if err != nil {
		return errors.Trace(err)
	}

	maxAttempts := e.maxAttemptsFor(node)
	if types.IsRetryable(execErr) && task.Attempt < maxAttempts {
		if err := e.hist.Append(e.ctx, &types.HistoryEntry{
			RunID:   run.ID,
			Kind:    types.HistoryTaskFailed,
			TaskID:  task.ID,
			NodeID:  task.NodeID,
			Attempt: task.Attempt,
			Error:   errors.ErrorStack(execErr),
		}); err != nil {
			return errors.Trace(err)
		}

		retry := &types.Task{
			ID:         task.ID,
			RunID:      task.RunID,
			NodeID:     task.NodeID,
			Inputs:     task.Inputs,
			Attempt:    task.Attempt + 1,
			EnqueuedAt: time.Now(),
		}
		if err := e.queue.Push(e.ctx, retry, e.retryDelay(task.Attempt)); err != nil {
			return errors.Trace(err)
		}
		if err := e.hist.Append(e.ctx, &types.HistoryEntry{
			RunID:   run.ID,
			Kind:    types.HistoryTaskQueued,
			TaskID:  retry.ID,
			NodeID:  retry.NodeID,
			Attempt: retry.Attempt,
		}); err != nil {
			return errors.Trace(err)
		}

		if !run.Status.Terminal() && run.Status != types.RunBlocked {
			if err := transition(run, types.RunBlocked); err != nil {
				return errors.Trace(err)
			}
			if err := e.appendTransition(e.ctx, run, types.RunBlocked); err != nil {
				return errors.Trace(err)
			}
		}
		return errors.Trace(saveRun(e.ctx, e.store, run))
	}

	return errors.Trace(e.failNode(e.ctx, run, p, task.NodeID, task.ID, execErr))
}

/**
 * applyCompletion is the single write path for a successful node:
 * under the run lock it caches outputs, appends task_succeeded with the
 * activation decision, feeds the planner, enqueues whatever became
 * ready, accrues credits and settles the run status. A redelivered
 * completion is absorbed by the planner's task-id dedup before any of
 * that happens.
 */
func (w *worker) applyCompletion(g *graph.Graph, run *types.Run, task *types.Task, outputs types.Data, activated []string) error {
	e := w.engine
	lock := e.lockRun(run.ID)
	defer lock.Unlock()

	// reload under the lock: another worker may have moved the run
	fresh, err := loadRun(e.ctx, e.store, run.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if fresh == nil || fresh.Status.Terminal() {
		return nil
	}
	run = fresh

	p, err := e.plannerFor(e.ctx, g, run)
	if err != nil {
		return errors.Trace(err)
	}
	if p.alreadyApplied(task.ID) {
		return nil
	}

	entry := &types.HistoryEntry{
		RunID:     run.ID,
		Kind:      types.HistoryTaskSucceeded,
		TaskID:    task.ID,
		NodeID:    task.NodeID,
		Attempt:   task.Attempt,
		Outputs:   outputs,
		Activated: normalizeActivated(p.g, task.NodeID, activated),
	}
	if err := e.hist.Append(e.ctx, entry); err != nil {
		return errors.Trace(err)
	}

	ready, err := p.apply(task.ID, task.NodeID, outputs, activated)
	if err != nil {
		// loop limit exceeded: the run fails at the loop node
		return errors.Trace(e.failNode(e.ctx, run, p, task.NodeID, task.ID, err))
	}

	if node, exists := p.g.Node(task.NodeID); exists {
		run.Credits += e.creditsFor(node)
	}

	if err := e.enqueueReady(e.ctx, run, p, ready); err != nil {
		return errors.Trace(err)
	}
	if err := e.settleRunStatus(e.ctx, run, p); err != nil {
		return errors.Trace(err)
	}
	if err := saveRun(e.ctx, e.store, run); err != nil {
		return errors.Trace(err)
	}
	// a terminal run needs no planner, lock or sequence counter anymore
	if run.Status.Terminal() {
		e.forgetRun(run.ID)
	}
	return nil
}
