package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/flowgraph-go/flow/emit"
	"github.com/dshills/flowgraph-go/flow/proc"
	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
	"github.com/dshills/flowgraph-go/flow/worker"
)

// Inbox topics understood by the orchestrator.
const (
	// TopicCommit delivers the operation id of an externally produced commit
	// to absorb.
	TopicCommit = "commit"

	// TopicYieldRequest delivers a YieldRequest from a running worker.
	TopicYieldRequest = "yield_request"

	// TopicYieldReply carries a record.YieldResponse back to a parked
	// worker's reply mailbox.
	TopicYieldReply = "yield_reply"

	// TopicCancel requests cooperative cancellation of the workflow.
	TopicCancel = "cancel"
)

// YieldRequest is the wire form of a worker's yield.
type YieldRequest struct {
	RequestContext YieldRequestContext `json:"request_context"`
	YieldContext   YieldRunContext     `json:"yield_context"`
}

// YieldRequestContext names the yield and where to deliver the reply.
type YieldRequestContext struct {
	YieldID string `json:"yield_id"`
	ReplyTo string `json:"reply_to"`
}

// YieldRunContext names the child nodes to run.
type YieldRunContext struct {
	RunNodes []string `json:"run_nodes"`
}

// RunRequest names the workflow to orchestrate.
type RunRequest struct {
	WorkflowID string
}

// Deps groups the injected collaborators: the durable store, the process
// registry, and the worker runtimes.
type Deps struct {
	Store    store.Store
	Registry *proc.Registry
	Workers  *worker.Registry
}

// Result is the orchestrator's return payload. Success is exclusive to an
// explicit scheduler-signalled success; every other path carries Error.
type Result struct {
	Success    bool
	WorkflowID string

	// Output is the content of the workflow's latest workflow.output row,
	// present on success when one exists.
	Output json.RawMessage

	// Error is the terminal error string on failure or cancellation.
	Error string
}

// WorkflowProcessName returns the registry name of a workflow's
// orchestrator, "workflow.<id>".
func WorkflowProcessName(workflowID string) string {
	return "workflow." + workflowID
}

// Run orchestrates one workflow to completion.
//
// The orchestrator is a single event loop owning all workflow state. It
// registers as "workflow.<id>", loads and recovers state, then repeats:
// absorb pending external commits, ask the scheduler for a decision, and
// dispatch it. The select over the inbox and process-exit events is the only
// suspension point; everything else is bounded computation plus the one
// store round trip inside persist.
//
// Run returns when the scheduler signals completion, a persist or spawn
// failure terminates the workflow, a cancel arrives, or ctx is cancelled
// (treated as cancel). Concurrency across workflows is achieved by running
// independent orchestrators side by side over the same store.
func Run(ctx context.Context, req RunRequest, deps Deps, opts ...Option) Result {
	if req.WorkflowID == "" {
		return Result{Error: ErrMissingWorkflowID.Error()}
	}
	if deps.Store == nil {
		return Result{WorkflowID: req.WorkflowID, Error: "store is required"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Result{WorkflowID: req.WorkflowID, Error: err.Error()}
		}
	}
	if deps.Registry == nil {
		deps.Registry = proc.NewRegistry()
	}
	if deps.Workers == nil {
		deps.Workers = worker.NewRegistry()
	}

	o := &orchestrator{
		cfg:              cfg,
		deps:             deps,
		sched:            Scheduler{MaxConcurrentNodes: cfg.maxConcurrentNodes, YieldChildBatching: cfg.yieldChildBatching},
		name:             WorkflowProcessName(req.WorkflowID),
		events:           make(chan proc.ExitEvent, cfg.inboxDepth),
		processedCommits: make(map[string]bool),
		procPaths:        make(map[proc.PID][]string),
		log:              cfg.logger.With().Str("workflow_id", req.WorkflowID).Logger(),
	}
	return o.run(ctx, req.WorkflowID)
}

type orchestrator struct {
	cfg   orchestratorConfig
	deps  Deps
	sched Scheduler
	name  string
	log   zerolog.Logger

	state   *WorkflowState
	mailbox *proc.Mailbox
	events  chan proc.ExitEvent

	pendingCommits   []string
	processedCommits map[string]bool
	procPaths        map[proc.PID][]string
	workflowRunning  bool
}

func (o *orchestrator) run(ctx context.Context, workflowID string) Result {
	mailbox, err := o.deps.Registry.Register(o.name, o.cfg.inboxDepth)
	if err != nil {
		return Result{WorkflowID: workflowID, Error: err.Error()}
	}
	o.mailbox = mailbox
	defer o.deps.Registry.Unregister(o.name)

	o.state = NewWorkflowState(o.deps.Store, workflowID, o.cfg.logger)
	if err := o.state.Load(ctx); err != nil {
		o.log.Error().Err(err).Msg("workflow load failed")
		return Result{WorkflowID: workflowID, Error: err.Error()}
	}
	o.workflowRunning = o.state.Workflow().Status == record.WorkflowRunning
	o.emit("workflow_start", "", map[string]interface{}{"nodes": o.state.NodeCount()})

	if o.state.NodeCount() == 0 {
		return o.finalize(ctx, CompleteWorkflowDecision{Success: true, Message: msgEmptyWorkflow})
	}

	if o.cfg.initFunc != nil {
		if err := o.cfg.initFunc(ctx, o.state); err != nil {
			o.log.Warn().Err(err).Msg("init func failed")
		}
	}

	for {
		// Absorb everything already queued before deciding: a completion
		// check must see commits that arrived while work was dispatched.
		if result, done := o.drainInbox(ctx); done {
			return result
		}
		if err := o.processPendingCommits(ctx); err != nil {
			return o.failWorkflow(ctx, err)
		}

		start := time.Now()
		decision := o.sched.Decide(o.state.Snapshot())
		o.cfg.metrics.ObserveDecision(decision.Kind, time.Since(start))
		o.observeGauges()

		switch decision.Kind {
		case DecideExecuteNodes:
			if err := o.dispatchExecute(ctx, decision.Execute); err != nil {
				return o.failWorkflow(ctx, err)
			}

		case DecideSatisfyYield:
			if err := o.dispatchSatisfy(ctx, decision.Satisfy.ParentID, decision.Satisfy.ReplyTo, decision.Satisfy.Results); err != nil {
				return o.failWorkflow(ctx, err)
			}

		case DecideCompleteWorkflow:
			return o.finalize(ctx, *decision.Complete)

		case DecideNoWork:
			result, done := o.waitEvent(ctx)
			if done {
				return result
			}
		}
	}
}

// waitEvent is the loop's single suspension point. It blocks until an inbox
// message, a process exit, or context cancellation arrives, handles it, and
// reports whether the workflow terminated.
func (o *orchestrator) waitEvent(ctx context.Context) (Result, bool) {
	select {
	case msg := <-o.mailbox.Inbox():
		return o.handleMessage(ctx, msg)

	case ev := <-o.events:
		return o.handleExit(ctx, ev)

	case <-ctx.Done():
		return o.cancelWorkflow(ctx, "context cancelled"), true
	}
}

// drainInbox handles every message already queued without blocking.
func (o *orchestrator) drainInbox(ctx context.Context) (Result, bool) {
	for {
		select {
		case msg := <-o.mailbox.Inbox():
			if result, done := o.handleMessage(ctx, msg); done {
				return result, true
			}
		default:
			return Result{}, false
		}
	}
}

func (o *orchestrator) handleMessage(ctx context.Context, msg proc.Message) (Result, bool) {
	switch msg.Topic {
	case TopicCommit:
		if opID, ok := msg.Payload.(string); ok {
			o.pendingCommits = append(o.pendingCommits, opID)
		}
		return Result{}, false

	case TopicYieldRequest:
		// Commits delivered ahead of the yield must land first: the yield's
		// children typically arrived in them.
		if err := o.processPendingCommits(ctx); err != nil {
			return o.failWorkflow(ctx, err), true
		}
		if err := o.handleYieldRequest(ctx, msg); err != nil {
			return o.failWorkflow(ctx, err), true
		}
		return Result{}, false

	case TopicCancel:
		reason, _ := msg.Payload.(string)
		return o.cancelWorkflow(ctx, reason), true

	default:
		o.log.Warn().Str("topic", msg.Topic).Msg("dropping message on unknown topic")
		return Result{}, false
	}
}

// processPendingCommits absorbs externally produced commits in arrival
// order, deduplicated against the already-processed set.
func (o *orchestrator) processPendingCommits(ctx context.Context) error {
	if len(o.pendingCommits) == 0 {
		return nil
	}
	queued := 0
	for _, opID := range o.pendingCommits {
		if o.processedCommits[opID] {
			continue
		}
		o.processedCommits[opID] = true
		o.state.QueueCommand(record.NewApplyCommit(opID))
		queued++
	}
	o.pendingCommits = nil
	if queued == 0 {
		return nil
	}
	start := time.Now()
	_, err := o.state.Persist(ctx)
	o.cfg.metrics.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	o.emit("commits_absorbed", "", map[string]interface{}{"count": queued})
	return nil
}

// dispatchExecute persists the batch's RUNNING transition, then spawns one
// linked worker per survivor. The RUNNING updates are durable before any
// spawn: on crash, recovery re-queues the batch as PENDING and it re-runs.
func (o *orchestrator) dispatchExecute(ctx context.Context, d *ExecuteNodesDecision) error {
	var survivors []string
	for _, id := range d.NodeIDs {
		if _, running := o.state.ProcessForNode(id); running {
			continue
		}
		survivors = append(survivors, id)
	}
	if len(survivors) == 0 {
		return nil
	}

	for _, id := range survivors {
		o.state.QueueCommand(record.NewUpdateNodeStatus(id, record.NodeRunning))
	}
	if !o.workflowRunning {
		o.state.QueueCommand(record.NewUpdateWorkflowStatus(record.WorkflowRunning, nil))
	}
	start := time.Now()
	if _, err := o.state.Persist(ctx); err != nil {
		o.failNodes(ctx, survivors, err.Error())
		return err
	}
	o.cfg.metrics.ObservePersist(time.Since(start))
	o.workflowRunning = true

	for _, id := range survivors {
		if err := o.spawnWorker(id, d.ChildPath); err != nil {
			spawnErr := &WorkflowError{
				WorkflowID: o.state.WorkflowID(),
				Message:    fmt.Sprintf("failed to spawn node %s: %v", id, err),
				Code:       "SPAWN_FAILED",
				Cause:      err,
			}
			o.failNodes(ctx, survivors, spawnErr.Message)
			return spawnErr
		}
		o.emit("node_spawn", id, map[string]interface{}{"trigger": string(d.Trigger)})
	}
	o.cfg.metrics.AddSpawns(d.Trigger, len(survivors))
	return nil
}

func (o *orchestrator) spawnWorker(nodeID string, path []string) error {
	node, ok := o.state.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	w, err := o.deps.Workers.New(node)
	if err != nil {
		return err
	}

	workflowID := o.state.WorkflowID()
	workerPath := append([]string(nil), path...)
	pid, err := o.deps.Registry.Spawn("node."+nodeID, o.events, func(procCtx context.Context, self proc.PID) (any, error) {
		env := o.workerEnv(workflowID, node, workerPath, self)
		return w.Run(procCtx, env)
	})
	if err != nil {
		return err
	}
	o.state.TrackProcess(nodeID, pid)
	o.procPaths[pid] = workerPath
	return nil
}

// workerEnv builds the capability set for one worker process. The Submit and
// Yield funcs run on the worker's goroutine; they only touch the store and
// the registry, never orchestrator state.
func (o *orchestrator) workerEnv(workflowID string, node record.Node, path []string, self proc.PID) worker.Env {
	registry := o.deps.Registry
	orchestratorName := o.name
	return worker.Env{
		WorkflowID: workflowID,
		NodeID:     node.NodeID,
		Node:       node,
		Path:       path,
		Store:      o.deps.Store,

		Submit: func(ctx context.Context, cmds []record.Command) (string, error) {
			opID := uuid.NewString()
			if _, err := o.deps.Store.Commit(ctx, workflowID, opID, cmds); err != nil {
				return "", err
			}
			if err := registry.Send(ctx, orchestratorName, proc.Message{
				Topic:   TopicCommit,
				From:    self,
				Payload: opID,
			}); err != nil {
				return opID, err
			}
			return opID, nil
		},

		Yield: func(ctx context.Context, runNodes []string) (worker.YieldOutcome, error) {
			yieldID := uuid.NewString()
			replyTo := fmt.Sprintf("node.%s.reply.%s", node.NodeID, yieldID)
			replyBox, err := registry.Register(replyTo, 1)
			if err != nil {
				return worker.YieldOutcome{}, err
			}
			defer registry.Unregister(replyTo)

			request := YieldRequest{
				RequestContext: YieldRequestContext{YieldID: yieldID, ReplyTo: replyTo},
				YieldContext:   YieldRunContext{RunNodes: runNodes},
			}
			if err := registry.Send(ctx, orchestratorName, proc.Message{
				Topic:   TopicYieldRequest,
				From:    self,
				Payload: request,
			}); err != nil {
				return worker.YieldOutcome{}, err
			}

			select {
			case msg := <-replyBox.Inbox():
				response, ok := msg.Payload.(record.YieldResponse)
				if !ok {
					return worker.YieldOutcome{}, fmt.Errorf("unexpected yield reply payload %T", msg.Payload)
				}
				return worker.YieldOutcome{
					OK:             response.OK,
					RunNodeResults: response.RunNodeResults,
					AllCompleted:   response.AllCompleted,
				}, nil
			case <-ctx.Done():
				return worker.YieldOutcome{}, ctx.Err()
			}
		},
	}
}

// handleYieldRequest installs a yield for the sending worker. An empty run
// set short-circuits to an immediate synchronous reply.
func (o *orchestrator) handleYieldRequest(ctx context.Context, msg proc.Message) error {
	request, ok := msg.Payload.(YieldRequest)
	if !ok {
		o.log.Warn().Msg("dropping malformed yield request")
		return nil
	}
	senderNode, ok := o.state.NodeForProcess(msg.From)
	if !ok {
		o.log.Warn().Str("pid", string(msg.From)).Msg("dropping yield request from untracked process")
		return nil
	}

	if len(request.YieldContext.RunNodes) == 0 {
		response := record.YieldResponse{
			YieldID:        request.RequestContext.YieldID,
			OK:             true,
			RunNodeResults: map[string]string{},
			AllCompleted:   true,
		}
		o.sendYieldReply(ctx, request.RequestContext.ReplyTo, response)
		return nil
	}

	childPath := append(append([]string(nil), o.procPaths[msg.From]...), senderNode)
	info := YieldInfo{
		YieldID:         request.RequestContext.YieldID,
		ReplyTo:         request.RequestContext.ReplyTo,
		PendingChildren: make(map[string]record.NodeStatus, len(request.YieldContext.RunNodes)),
		Results:         make(map[string]string),
		ChildPath:       childPath,
	}
	for _, child := range request.YieldContext.RunNodes {
		status := record.NodePending
		if node, exists := o.state.Node(child); exists {
			status = node.Status
		}
		info.PendingChildren[child] = status
		if status.Terminal() {
			// Re-yield over already-completed children (recovery replay):
			// reuse their existing result rows.
			if dataID, err := o.state.latestResultDataID(ctx, child); err == nil && dataID != "" {
				info.Results[child] = dataID
			}
		}
	}

	if err := o.state.TrackYield(senderNode, info); err != nil {
		return err
	}
	start := time.Now()
	if _, err := o.state.Persist(ctx); err != nil {
		return err
	}
	o.cfg.metrics.ObservePersist(time.Since(start))
	o.cfg.metrics.IncYieldRegistered()
	o.emit("yield_registered", senderNode, map[string]interface{}{
		"yield_id": info.YieldID,
		"children": len(info.PendingChildren),
	})
	return nil
}

// dispatchSatisfy persists the yield result row and, only after the row
// is durable, sends the wire reply. A missing reply mailbox means the
// worker is gone (cancel race); the reply is silently dropped.
func (o *orchestrator) dispatchSatisfy(ctx context.Context, parentID, replyTo string, results map[string]string) error {
	response, ok := o.state.SatisfyYield(parentID, results)
	if !ok {
		return nil
	}
	start := time.Now()
	if _, err := o.state.Persist(ctx); err != nil {
		return err
	}
	o.cfg.metrics.ObservePersist(time.Since(start))
	o.cfg.metrics.IncYieldSatisfied()
	o.emit("yield_satisfied", parentID, map[string]interface{}{"yield_id": response.YieldID})
	o.sendYieldReply(ctx, replyTo, response)
	return nil
}

func (o *orchestrator) sendYieldReply(ctx context.Context, replyTo string, response record.YieldResponse) {
	err := o.deps.Registry.Send(ctx, replyTo, proc.Message{
		Topic:   TopicYieldReply,
		Payload: response,
	})
	if err != nil {
		o.log.Debug().Err(err).Str("reply_to", replyTo).Msg("dropping yield reply")
	}
}

// handleExit resolves the pid, records the node's terminal transition, and
// persists it. A completed yield triggered by this exit is satisfied
// immediately.
func (o *orchestrator) handleExit(ctx context.Context, ev proc.ExitEvent) (Result, bool) {
	success := false
	var output any
	errMsg := ""

	switch {
	case ev.Err != nil:
		errMsg = "Node process linked down"
		o.log.Warn().Err(ev.Err).Str("process", ev.Name).Msg("worker linked down")
	default:
		if res, ok := ev.Result.(worker.Result); ok {
			success = res.Success
			output = res.Output
			errMsg = res.Error
			if !success && errMsg == "" {
				errMsg = "Node failed"
			}
		} else {
			success = true
			output = ev.Result
		}
	}

	delete(o.procPaths, ev.PID)
	info, tracked := o.state.HandleProcessExit(ev.PID, success, output, errMsg)
	if !tracked {
		return Result{}, false
	}
	o.emit("node_exit", info.NodeID, map[string]interface{}{"status": string(info.Status)})

	start := time.Now()
	if _, err := o.state.Persist(ctx); err != nil {
		return o.failWorkflow(ctx, err), true
	}
	o.cfg.metrics.ObservePersist(time.Since(start))

	if info.YieldComplete != nil {
		yc := info.YieldComplete
		if err := o.dispatchSatisfy(ctx, yc.ParentID, yc.Yield.ReplyTo, yc.Yield.Results); err != nil {
			return o.failWorkflow(ctx, err), true
		}
	}
	return Result{}, false
}

// failNodes queues a best-effort terminal failure for every node in the
// batch plus the workflow itself. Used on persist and spawn failures, where
// the loop is about to terminate anyway.
func (o *orchestrator) failNodes(ctx context.Context, nodeIDs []string, message string) {
	for _, id := range nodeIDs {
		o.state.QueueCommand(
			record.NewUpdateNodeStatus(id, record.NodeCompletedFailure),
			record.NewCreateData(record.CreateData{
				Type:          record.DataNodeResult,
				NodeID:        id,
				Discriminator: record.DiscriminatorError,
				Content:       record.ErrorResult(message),
			}),
		)
	}
	o.state.QueueCommand(record.NewUpdateWorkflowStatus(record.WorkflowCompletedFailure, map[string]any{"error": message}))
	if _, err := o.state.Persist(ctx); err != nil {
		o.log.Error().Err(err).Msg("failed to persist node failures")
	}
}

// failWorkflow terminates the loop on an unrecoverable runtime error,
// attempting one final failure commit.
func (o *orchestrator) failWorkflow(ctx context.Context, cause error) Result {
	o.log.Error().Err(cause).Msg("workflow failed")
	o.state.QueueCommand(record.NewUpdateWorkflowStatus(record.WorkflowCompletedFailure, map[string]any{"error": cause.Error()}))
	if _, err := o.state.Persist(ctx); err != nil {
		o.log.Error().Err(err).Msg("failed to persist workflow failure")
	}
	o.cfg.metrics.IncCompleted(string(record.WorkflowCompletedFailure))
	o.emit("workflow_complete", "", map[string]interface{}{"success": false, "error": cause.Error()})
	o.flushEmitter(ctx)
	return Result{WorkflowID: o.state.WorkflowID(), Error: cause.Error()}
}

// cancelWorkflow forcefully terminates every tracked worker, persists the
// cancelled status with the reason, and exits.
func (o *orchestrator) cancelWorkflow(ctx context.Context, reason string) Result {
	if reason == "" {
		reason = ErrCancelled.Error()
	}
	for _, pid := range o.state.ActiveProcessIDs() {
		o.deps.Registry.Terminate(pid)
	}
	// The terminal commit must land even when cancellation came from the
	// caller's context.
	persistCtx := context.WithoutCancel(ctx)
	o.state.QueueCommand(record.NewUpdateWorkflowStatus(record.WorkflowCancelled, map[string]any{"cancel_reason": reason}))
	if _, err := o.state.Persist(persistCtx); err != nil {
		o.log.Error().Err(err).Msg("failed to persist cancellation")
	}
	o.cfg.metrics.IncCompleted(string(record.WorkflowCancelled))
	o.emit("workflow_cancelled", "", map[string]interface{}{"reason": reason})
	o.flushEmitter(ctx)
	return Result{WorkflowID: o.state.WorkflowID(), Error: reason}
}

// finalize writes the terminal status and assembles the return payload. On
// failure the error string prefers per-node messages over the scheduler's
// diagnostic.
func (o *orchestrator) finalize(ctx context.Context, complete CompleteWorkflowDecision) Result {
	workflowID := o.state.WorkflowID()
	result := Result{Success: complete.Success, WorkflowID: workflowID}

	status := record.WorkflowCompletedSuccess
	meta := map[string]any{"message": complete.Message}
	if !complete.Success {
		status = record.WorkflowCompletedFailure
		errMsg := o.state.FailedNodeErrors(ctx)
		if errMsg == "" {
			errMsg = complete.Message
		}
		if errMsg == "" {
			errMsg = "Workflow failed"
		}
		meta["error"] = errMsg
		result.Error = errMsg
	}

	o.state.QueueCommand(record.NewUpdateWorkflowStatus(status, meta))
	if _, err := o.state.Persist(ctx); err != nil {
		o.log.Error().Err(err).Msg("failed to persist terminal status")
	}

	if complete.Success {
		rows, err := o.deps.Store.ListData(ctx, workflowID, store.DataFilter{Types: []record.DataType{record.DataWorkflowOutput}})
		if err == nil && len(rows) > 0 {
			result.Output = json.RawMessage(rows[len(rows)-1].Content)
		}
	}

	o.cfg.metrics.IncCompleted(string(status))
	o.emit("workflow_complete", "", map[string]interface{}{"success": complete.Success, "message": complete.Message})
	o.flushEmitter(ctx)
	o.log.Info().Bool("success", complete.Success).Str("message", complete.Message).Msg("workflow complete")
	return result
}

func (o *orchestrator) observeGauges() {
	snap := o.state
	o.cfg.metrics.SetActiveProcesses(len(snap.procByNode))
	o.cfg.metrics.SetActiveYields(len(snap.activeYields))
}

func (o *orchestrator) emit(msg, nodeID string, meta map[string]interface{}) {
	o.cfg.emitter.Emit(emit.Event{
		WorkflowID: o.state.WorkflowID(),
		NodeID:     nodeID,
		Msg:        msg,
		Meta:       meta,
	})
}

func (o *orchestrator) flushEmitter(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.cfg.emitter.Flush(flushCtx); err != nil {
		o.log.Warn().Err(err).Msg("failed to flush emitter")
	}
}
