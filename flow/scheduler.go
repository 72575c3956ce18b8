package flow

import "github.com/dshills/flowgraph-go/flow/record"

// DefaultMaxConcurrentNodes bounds one execute_nodes batch when the caller
// does not configure a cap.
const DefaultMaxConcurrentNodes = 8

// Completion diagnostics. The orchestrator surfaces these verbatim when no
// per-node error is available.
const (
	msgEmptyWorkflow = "Empty workflow completed"
	msgCompleted     = "Workflow completed successfully"
	msgNoOutput      = "Workflow completed without producing output"
	msgNoInputData   = "No input data provided"
	msgDeadlocked    = "Workflow deadlocked: nodes pending but no inputs available"
)

// Scheduler is the pure decision function over a state snapshot.
//
// Decide holds no state and performs no side effects: the same snapshot
// always yields the same decision, and the snapshot is left unmodified. All
// mutation happens in the orchestrator when it dispatches the decision.
//
// Priority order is strict; the first matching rule wins:
//  1. Satisfy a yield whose children have all terminated.
//  2. Launch a ready child of a live yield (one at a time unless
//     YieldChildBatching is enabled).
//  3. Launch input-ready non-yield nodes, batched up to the cap.
//  4. Launch root-ready nodes (no contract, any input), batched up to the cap.
//  5. Completion check, only when nothing is active.
//  6. No work.
//
// Map enumeration is stabilized by sorting node ids, which keeps the
// function deterministic; callers must still not depend on which legal
// subset of a concurrent batch is emitted.
type Scheduler struct {
	// MaxConcurrentNodes caps one execute_nodes batch. Values <= 0 disable
	// concurrency (batches of one).
	MaxConcurrentNodes int

	// YieldChildBatching allows launching several yield children per
	// decision. Off by default: children launch one at a time.
	YieldChildBatching bool
}

// Decide inspects the snapshot and returns exactly one decision.
func (s Scheduler) Decide(snap *Snapshot) Decision {
	limit := s.MaxConcurrentNodes
	if limit <= 0 {
		limit = 1
	}

	// 1. Satisfy a completed yield.
	for _, parent := range sortedKeys(snap.ActiveYields) {
		y := snap.ActiveYields[parent]
		if !y.Satisfiable() {
			continue
		}
		results := make(map[string]string, len(y.Results))
		for k, v := range y.Results {
			results[k] = v
		}
		return Decision{
			Kind: DecideSatisfyYield,
			Satisfy: &SatisfyYieldDecision{
				ParentID: parent,
				YieldID:  y.YieldID,
				ReplyTo:  y.ReplyTo,
				Results:  results,
			},
		}
	}

	// 2. Launch a ready yield child.
	for _, parent := range sortedKeys(snap.ActiveYields) {
		y := snap.ActiveYields[parent]
		var batch []string
		for _, child := range sortedKeys(y.PendingChildren) {
			if y.PendingChildren[child] != record.NodePending {
				continue
			}
			node, ok := snap.Nodes[child]
			if !ok || node.Status != record.NodePending {
				continue
			}
			if _, running := snap.ActiveProcesses[child]; running {
				continue
			}
			// Children with a contract wait for their required inputs; a
			// contract-less child runs on the strength of its membership in
			// the yield's run set.
			if snap.Inputs.HasContract(child) && !snap.Inputs.Satisfied(child) {
				continue
			}
			batch = append(batch, child)
			if !s.YieldChildBatching || len(batch) >= limit {
				break
			}
		}
		if len(batch) > 0 {
			return executeDecision(batch, TriggerYieldDriven, parent, y.ChildPath)
		}
	}

	// 3. Launch input-ready non-yield nodes.
	var inputReady []string
	for _, id := range sortedKeys(snap.Nodes) {
		node := snap.Nodes[id]
		if node.Status != record.NodePending {
			continue
		}
		if _, running := snap.ActiveProcesses[id]; running {
			continue
		}
		// A parked yield parent is PENDING on disk but must not be
		// relaunched until its yield resolves.
		if _, yielding := snap.ActiveYields[id]; yielding {
			continue
		}
		if s.isYieldChild(snap, id) {
			continue
		}
		if !snap.Inputs.HasContract(id) || !snap.Inputs.Satisfied(id) {
			continue
		}
		inputReady = append(inputReady, id)
		if len(inputReady) >= limit {
			break
		}
	}
	if len(inputReady) > 0 {
		return executeDecision(inputReady, TriggerInputReady, "", nil)
	}

	// 4. Launch root-ready nodes: no declared contract, but input arrived.
	var rootReady []string
	for _, id := range sortedKeys(snap.Nodes) {
		node := snap.Nodes[id]
		if node.Status != record.NodePending {
			continue
		}
		if _, running := snap.ActiveProcesses[id]; running {
			continue
		}
		if _, yielding := snap.ActiveYields[id]; yielding {
			continue
		}
		if s.isYieldChild(snap, id) {
			continue
		}
		if snap.Inputs.HasContract(id) || !snap.Inputs.AnyAvailable(id) {
			continue
		}
		rootReady = append(rootReady, id)
		if len(rootReady) >= limit {
			break
		}
	}
	if len(rootReady) > 0 {
		return executeDecision(rootReady, TriggerRootReady, "", nil)
	}

	// 5. Completion, checked only once nothing is in flight.
	if len(snap.ActiveProcesses) == 0 && len(snap.ActiveYields) == 0 {
		if len(snap.Nodes) == 0 {
			return completeDecision(true, msgEmptyWorkflow)
		}
		if snap.HasWorkflowOutput {
			// Success is defined solely by output presence; parents may have
			// absorbed failed children.
			return completeDecision(true, msgCompleted)
		}
		var pending []string
		for _, id := range sortedKeys(snap.Nodes) {
			if snap.Nodes[id].Status == record.NodePending {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			return completeDecision(false, msgNoOutput)
		}
		for _, id := range pending {
			if !snap.Inputs.HasContract(id) && !snap.Inputs.AnyAvailable(id) {
				return completeDecision(false, msgNoInputData)
			}
		}
		return completeDecision(false, msgDeadlocked)
	}

	// 6. Something is in flight; wait for events.
	return Decision{Kind: DecideNoWork}
}

// isYieldChild reports whether the node belongs to the run set of any live
// yield. Such nodes are scheduled by rule 2 only.
func (s Scheduler) isYieldChild(snap *Snapshot, nodeID string) bool {
	for _, y := range snap.ActiveYields {
		if _, ok := y.PendingChildren[nodeID]; ok {
			return true
		}
	}
	return false
}
