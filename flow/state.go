package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/flowgraph-go/flow/proc"
	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
)

// ExitInfo summarizes the state changes queued for one worker exit.
type ExitInfo struct {
	// NodeID is the node whose process exited.
	NodeID string

	// Status is the terminal status assigned to the node.
	Status record.NodeStatus

	// ResultDataID is the pre-assigned id of the node.result row queued for
	// the exit.
	ResultDataID string

	// YieldComplete is set when this exit completed the last pending child
	// of a live yield; the orchestrator should satisfy it after persisting.
	YieldComplete *YieldCompletion
}

// YieldCompletion names a yield that became satisfiable.
type YieldCompletion struct {
	ParentID string
	Yield    YieldInfo
}

// WorkflowState owns the durable and in-memory state of one workflow.
//
// It is not shared: one instance per orchestrator, mutated only from the
// orchestrator's event loop. Commands accumulate in an in-memory queue;
// Persist submits them as one atomic commit under a fresh operation id and
// then updates the in-memory caches from the commit's results, so caches
// never diverge from what actually landed.
type WorkflowState struct {
	store store.Store
	log   zerolog.Logger

	workflowID string
	workflow   record.Workflow
	nodes      map[string]record.Node
	inputs     InputTracker
	hasOutput  bool

	activeYields map[string]YieldInfo
	procByNode   map[string]proc.PID
	nodeByProc   map[proc.PID]string

	queue []record.Command
}

// NewWorkflowState creates an unloaded state manager for one workflow.
func NewWorkflowState(st store.Store, workflowID string, logger zerolog.Logger) *WorkflowState {
	return &WorkflowState{
		store:        st,
		log:          logger.With().Str("workflow_id", workflowID).Logger(),
		workflowID:   workflowID,
		nodes:        make(map[string]record.Node),
		inputs:       NewInputTracker(),
		activeYields: make(map[string]YieldInfo),
		procByNode:   make(map[string]proc.PID),
		nodeByProc:   make(map[proc.PID]string),
	}
}

// Load performs the recovery sequence. Idempotent; one call per orchestrator
// start.
//
// Sequence:
//  1. Load the workflow row (fail if absent).
//  2. Load node rows and absorb each node's input contract.
//  3. Scan for workflow.output rows.
//  4. Scan node.input rows into the availability table.
//  5. Reset RUNNING nodes to PENDING in one recovery commit. RUNNING on disk
//     means the previous orchestrator was killed mid-step.
//  6. Reconstruct live yields from node.yield rows whose owner is now
//     PENDING, cross-referencing children's current statuses and, for
//     completed children, their latest node.result row. Malformed payloads
//     are skipped and missing children dropped; an empty run set is retained
//     and will satisfy immediately.
func (ws *WorkflowState) Load(ctx context.Context) error {
	wf, err := ws.store.GetWorkflow(ctx, ws.workflowID)
	if err != nil {
		return &WorkflowError{
			WorkflowID: ws.workflowID,
			Message:    "failed to load workflow",
			Code:       "LOAD_FAILED",
			Cause:      err,
		}
	}
	ws.workflow = wf

	nodes, err := ws.store.ListNodes(ctx, ws.workflowID)
	if err != nil {
		return &WorkflowError{WorkflowID: ws.workflowID, Message: "failed to load nodes", Code: "LOAD_FAILED", Cause: err}
	}
	for _, n := range nodes {
		ws.nodes[n.NodeID] = n
		ws.absorbContract(n)
	}

	outputs, err := ws.store.ListData(ctx, ws.workflowID, store.DataFilter{Types: []record.DataType{record.DataWorkflowOutput}})
	if err != nil {
		return &WorkflowError{WorkflowID: ws.workflowID, Message: "failed to scan outputs", Code: "LOAD_FAILED", Cause: err}
	}
	ws.hasOutput = len(outputs) > 0

	inputRows, err := ws.store.ListData(ctx, ws.workflowID, store.DataFilter{Types: []record.DataType{record.DataNodeInput}})
	if err != nil {
		return &WorkflowError{WorkflowID: ws.workflowID, Message: "failed to scan inputs", Code: "LOAD_FAILED", Cause: err}
	}
	for _, row := range inputRows {
		if row.NodeID != "" {
			ws.inputs.MarkAvailable(row.NodeID, row.Key)
		}
	}

	// Reset orphaned RUNNING nodes in one recovery commit.
	var reset int
	for _, id := range sortedKeys(ws.nodes) {
		if ws.nodes[id].Status == record.NodeRunning {
			ws.QueueCommand(record.NewUpdateNodeStatus(id, record.NodePending))
			reset++
		}
	}
	if reset > 0 {
		ws.log.Info().Int("nodes", reset).Msg("resetting orphaned running nodes")
		if _, err := ws.Persist(ctx); err != nil {
			return err
		}
	}

	return ws.reconstructYields(ctx)
}

func (ws *WorkflowState) reconstructYields(ctx context.Context) error {
	yieldRows, err := ws.store.ListData(ctx, ws.workflowID, store.DataFilter{Types: []record.DataType{record.DataNodeYield}})
	if err != nil {
		return &WorkflowError{WorkflowID: ws.workflowID, Message: "failed to scan yields", Code: "LOAD_FAILED", Cause: err}
	}
	for _, row := range yieldRows {
		rec, ok := record.ParseYieldRecord(row.Content)
		if !ok {
			ws.log.Warn().Str("data_id", row.DataID).Msg("skipping malformed yield record")
			continue
		}
		owner, exists := ws.nodes[rec.NodeID]
		if !exists || owner.Status != record.NodePending {
			continue
		}

		info := YieldInfo{
			YieldID:         rec.YieldID,
			ReplyTo:         rec.ReplyTo,
			PendingChildren: make(map[string]record.NodeStatus, len(rec.RunNodes)),
			Results:         make(map[string]string),
			ChildPath:       append([]string(nil), rec.ChildPath...),
		}
		for _, child := range rec.RunNodes {
			childNode, exists := ws.nodes[child]
			if !exists {
				ws.log.Warn().Str("node_id", rec.NodeID).Str("child", child).Msg("dropping missing yield child")
				continue
			}
			info.PendingChildren[child] = childNode.Status
			if childNode.Status.Terminal() {
				dataID, err := ws.latestResultDataID(ctx, child)
				if err != nil {
					return err
				}
				if dataID != "" {
					info.Results[child] = dataID
				}
			}
		}
		// Later yield rows for the same owner supersede earlier ones.
		ws.activeYields[rec.NodeID] = info
	}
	return nil
}

func (ws *WorkflowState) latestResultDataID(ctx context.Context, nodeID string) (string, error) {
	rows, err := ws.store.ListData(ctx, ws.workflowID, store.DataFilter{
		Types:  []record.DataType{record.DataNodeResult},
		NodeID: nodeID,
	})
	if err != nil {
		return "", &WorkflowError{WorkflowID: ws.workflowID, Message: "failed to scan results", Code: "LOAD_FAILED", Cause: err}
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[len(rows)-1].DataID, nil
}

func (ws *WorkflowState) absorbContract(n record.Node) {
	if n.Config.Inputs != nil {
		ws.inputs.Requirements[n.NodeID] = *n.Config.Inputs
	}
}

// WorkflowID returns the owning workflow's id.
func (ws *WorkflowState) WorkflowID() string { return ws.workflowID }

// Workflow returns the cached workflow row.
func (ws *WorkflowState) Workflow() record.Workflow { return ws.workflow }

// NodeCount returns the number of known nodes.
func (ws *WorkflowState) NodeCount() int { return len(ws.nodes) }

// Node returns a node by id.
func (ws *WorkflowState) Node(nodeID string) (record.Node, bool) {
	n, ok := ws.nodes[nodeID]
	return n, ok
}

// HasOutput reports whether a workflow.output row exists.
func (ws *WorkflowState) HasOutput() bool { return ws.hasOutput }

// QueueCommand appends commands to the pending commit.
func (ws *WorkflowState) QueueCommand(cmds ...record.Command) {
	ws.queue = append(ws.queue, cmds...)
}

// PendingCommands returns the number of queued commands.
func (ws *WorkflowState) PendingCommands() int { return len(ws.queue) }

// Persist submits the queued commands as one atomic commit under a fresh
// operation id, then updates the in-memory caches from the returned results.
// An empty queue is a no-op.
func (ws *WorkflowState) Persist(ctx context.Context) ([]record.CommandResult, error) {
	if len(ws.queue) == 0 {
		return nil, nil
	}
	opID := uuid.NewString()
	cmds := ws.queue
	results, err := ws.store.Commit(ctx, ws.workflowID, opID, cmds)
	if err != nil {
		return nil, &WorkflowError{
			WorkflowID: ws.workflowID,
			Message:    fmt.Sprintf("failed to persist %d commands", len(cmds)),
			Code:       "PERSIST_FAILED",
			Cause:      err,
		}
	}
	ws.queue = nil
	ws.applyResults(results)
	ws.log.Debug().Str("operation_id", opID).Int("commands", len(cmds)).Msg("persisted commit")
	return results, nil
}

// applyResults folds commit results into the in-memory caches. ApplyCommit
// results are dispatched through the same path, so externally produced
// commits keep the caches coherent too.
func (ws *WorkflowState) applyResults(results []record.CommandResult) {
	for _, res := range results {
		switch res.Type {
		case record.CmdCreateNode, record.CmdUpdateNode:
			if res.Node != nil {
				ws.nodes[res.Node.NodeID] = *res.Node
				ws.absorbContract(*res.Node)
			}
		case record.CmdDeleteNode:
			delete(ws.nodes, res.DeletedNodeID)
		case record.CmdUpdateWorkflow:
			if res.Workflow != nil {
				ws.workflow = *res.Workflow
			}
		case record.CmdCreateData:
			if res.Data == nil {
				continue
			}
			switch res.Data.Type {
			case record.DataWorkflowOutput:
				ws.hasOutput = true
			case record.DataNodeInput:
				if res.Data.NodeID != "" {
					ws.inputs.MarkAvailable(res.Data.NodeID, res.Data.Key)
				}
			}
		case record.CmdApplyCommit:
			ws.applyResults(res.Applied)
		}
	}
}

// TrackProcess records a live worker process for a node.
func (ws *WorkflowState) TrackProcess(nodeID string, pid proc.PID) {
	ws.procByNode[nodeID] = pid
	ws.nodeByProc[pid] = nodeID
}

// ProcessForNode resolves a node to its live worker pid, if any.
func (ws *WorkflowState) ProcessForNode(nodeID string) (proc.PID, bool) {
	pid, ok := ws.procByNode[nodeID]
	return pid, ok
}

// NodeForProcess resolves a pid to its node.
func (ws *WorkflowState) NodeForProcess(pid proc.PID) (string, bool) {
	nodeID, ok := ws.nodeByProc[pid]
	return nodeID, ok
}

// ActiveProcessIDs returns the pids of all tracked worker processes.
func (ws *WorkflowState) ActiveProcessIDs() []proc.PID {
	out := make([]proc.PID, 0, len(ws.procByNode))
	for _, id := range sortedKeys(ws.procByNode) {
		out = append(out, ws.procByNode[id])
	}
	return out
}

// HandleProcessExit removes the process from the active set and queues the
// node's terminal transition: an update to the terminal status plus a
// node.result row discriminated result.success or result.error.
//
// If the node is a child of a live yield, the yield's bookkeeping is updated
// and, when the last sibling terminates, the returned ExitInfo carries the
// completion so the orchestrator can satisfy the yield after persisting.
//
// The second return is false for unknown pids (already-handled exits).
func (ws *WorkflowState) HandleProcessExit(pid proc.PID, success bool, output any, errMsg string) (ExitInfo, bool) {
	nodeID, ok := ws.nodeByProc[pid]
	if !ok {
		return ExitInfo{}, false
	}
	delete(ws.nodeByProc, pid)
	delete(ws.procByNode, nodeID)

	status := record.NodeCompletedFailure
	discriminator := record.DiscriminatorError
	content := record.ErrorResult(errMsg)
	if success {
		status = record.NodeCompletedSuccess
		discriminator = record.DiscriminatorSuccess
		content = record.SuccessResult(output)
	}

	// Pre-assign the result row id so yield bookkeeping can reference it
	// before the commit lands.
	resultDataID := uuid.NewString()
	ws.QueueCommand(
		record.NewUpdateNodeStatus(nodeID, status),
		record.NewCreateData(record.CreateData{
			DataID:        resultDataID,
			Type:          record.DataNodeResult,
			NodeID:        nodeID,
			Discriminator: discriminator,
			Content:       content,
		}),
	)

	info := ExitInfo{NodeID: nodeID, Status: status, ResultDataID: resultDataID}
	for _, parent := range sortedKeys(ws.activeYields) {
		y := ws.activeYields[parent]
		if _, isChild := y.PendingChildren[nodeID]; !isChild {
			continue
		}
		y.PendingChildren[nodeID] = status
		y.Results[nodeID] = resultDataID
		ws.activeYields[parent] = y
		if y.Satisfiable() {
			info.YieldComplete = &YieldCompletion{ParentID: parent, Yield: y.Clone()}
		}
		break
	}
	return info, true
}

// TrackYield installs a live yield for the parent and queues its durable
// footprint: the parent's move back to PENDING (the on-disk steady state of
// a parked node) and the node.yield row whose persistence is the fact that
// the node yielded. The caller persists.
func (ws *WorkflowState) TrackYield(parentID string, info YieldInfo) error {
	rec := record.YieldRecord{
		NodeID:    parentID,
		YieldID:   info.YieldID,
		ReplyTo:   info.ReplyTo,
		RunNodes:  sortedKeys(info.PendingChildren),
		ChildPath: info.ChildPath,
	}
	content, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode yield record: %w", err)
	}
	ws.QueueCommand(
		record.NewUpdateNodeStatus(parentID, record.NodePending),
		record.NewCreateData(record.CreateData{
			Type:    record.DataNodeYield,
			NodeID:  parentID,
			Content: content,
		}),
	)
	ws.activeYields[parentID] = info
	return nil
}

// ActiveYield returns the live yield for a parent, if any.
func (ws *WorkflowState) ActiveYield(parentID string) (YieldInfo, bool) {
	y, ok := ws.activeYields[parentID]
	return y, ok
}

// SatisfyYield queues the node.yield_result row for the parent's yield and
// removes it from the live set. The wire reply is the orchestrator's job and
// must happen strictly after the row is durable.
func (ws *WorkflowState) SatisfyYield(parentID string, results map[string]string) (record.YieldResponse, bool) {
	y, ok := ws.activeYields[parentID]
	if !ok {
		return record.YieldResponse{}, false
	}
	response := record.YieldResponse{
		YieldID:        y.YieldID,
		OK:             true,
		RunNodeResults: results,
		AllCompleted:   true,
	}
	content, err := response.Marshal()
	if err != nil {
		ws.log.Error().Err(err).Str("node_id", parentID).Msg("failed to encode yield response")
		return record.YieldResponse{}, false
	}
	ws.QueueCommand(record.NewCreateData(record.CreateData{
		Type:    record.DataNodeYieldResult,
		NodeID:  parentID,
		Content: content,
	}))
	delete(ws.activeYields, parentID)
	return response, true
}

// NodeActive reports whether a node is running, yielding, or a pending child
// of a live yield. Used to suppress duplicate spawns.
func (ws *WorkflowState) NodeActive(nodeID string) bool {
	if _, running := ws.procByNode[nodeID]; running {
		return true
	}
	if _, yielding := ws.activeYields[nodeID]; yielding {
		return true
	}
	for _, y := range ws.activeYields {
		if status, isChild := y.PendingChildren[nodeID]; isChild && status == record.NodePending {
			return true
		}
	}
	return false
}

// FailedNodeErrors scans every failed node's latest result row and returns a
// semicolon-joined summary of their error messages.
func (ws *WorkflowState) FailedNodeErrors(ctx context.Context) string {
	var messages []string
	for _, id := range sortedKeys(ws.nodes) {
		if ws.nodes[id].Status != record.NodeCompletedFailure {
			continue
		}
		rows, err := ws.store.ListData(ctx, ws.workflowID, store.DataFilter{
			Types:  []record.DataType{record.DataNodeResult},
			NodeID: id,
		})
		if err != nil || len(rows) == 0 {
			continue
		}
		if msg := record.ExtractErrorMessage(rows[len(rows)-1].Content); msg != "" {
			messages = append(messages, fmt.Sprintf("%s: %s", id, msg))
		}
	}
	return strings.Join(messages, "; ")
}

// Snapshot builds the immutable view consumed by the scheduler.
func (ws *WorkflowState) Snapshot() *Snapshot {
	snap := &Snapshot{
		WorkflowID:        ws.workflowID,
		Nodes:             make(map[string]record.Node, len(ws.nodes)),
		ActiveYields:      make(map[string]YieldInfo, len(ws.activeYields)),
		ActiveProcesses:   make(map[string]proc.PID, len(ws.procByNode)),
		Inputs:            ws.inputs.Clone(),
		HasWorkflowOutput: ws.hasOutput,
	}
	for id, n := range ws.nodes {
		n.Metadata = record.CloneMetadata(n.Metadata)
		snap.Nodes[id] = n
	}
	for id, y := range ws.activeYields {
		snap.ActiveYields[id] = y.Clone()
	}
	for id, pid := range ws.procByNode {
		snap.ActiveProcesses[id] = pid
	}
	return snap
}
