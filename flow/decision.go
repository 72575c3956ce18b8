package flow

// DecisionKind discriminates scheduler decisions.
type DecisionKind string

const (
	// DecideExecuteNodes launches a batch of ready nodes.
	DecideExecuteNodes DecisionKind = "execute_nodes"

	// DecideSatisfyYield resolves a yield whose children all terminated.
	DecideSatisfyYield DecisionKind = "satisfy_yield"

	// DecideCompleteWorkflow terminates the workflow.
	DecideCompleteWorkflow DecisionKind = "complete_workflow"

	// DecideNoWork means nothing is runnable right now; wait for events.
	DecideNoWork DecisionKind = "no_work"
)

// TriggerReason records why a batch of nodes was selected for execution.
type TriggerReason string

const (
	// TriggerYieldDriven marks children launched on behalf of a live yield.
	TriggerYieldDriven TriggerReason = "yield_driven"

	// TriggerInputReady marks nodes whose declared input contract is met.
	TriggerInputReady TriggerReason = "input_ready"

	// TriggerRootReady marks contract-less nodes with at least one input.
	TriggerRootReady TriggerReason = "root_ready"
)

// ExecuteNodesDecision is the payload of an execute_nodes decision.
//
// ParentID and ChildPath are set only for yield_driven batches: ChildPath is
// the yielding node's full ancestor chain followed by the yielding node
// itself, and tags the spawned workers' ancestry.
type ExecuteNodesDecision struct {
	NodeIDs   []string
	Trigger   TriggerReason
	ParentID  string
	ChildPath []string
}

// SatisfyYieldDecision is the payload of a satisfy_yield decision.
type SatisfyYieldDecision struct {
	ParentID string
	YieldID  string
	ReplyTo  string
	Results  map[string]string
}

// CompleteWorkflowDecision is the payload of a complete_workflow decision.
type CompleteWorkflowDecision struct {
	Success bool
	Message string
}

// Decision is the scheduler's single output: exactly one kind, with the
// matching payload set.
type Decision struct {
	Kind     DecisionKind
	Execute  *ExecuteNodesDecision
	Satisfy  *SatisfyYieldDecision
	Complete *CompleteWorkflowDecision
}

func executeDecision(nodes []string, trigger TriggerReason, parentID string, childPath []string) Decision {
	return Decision{
		Kind: DecideExecuteNodes,
		Execute: &ExecuteNodesDecision{
			NodeIDs:   nodes,
			Trigger:   trigger,
			ParentID:  parentID,
			ChildPath: append([]string(nil), childPath...),
		},
	}
}

func completeDecision(success bool, message string) Decision {
	return Decision{
		Kind:     DecideCompleteWorkflow,
		Complete: &CompleteWorkflowDecision{Success: success, Message: message},
	}
}
