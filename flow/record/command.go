package record

// CommandType identifies one state-mutating command inside a commit.
type CommandType string

const (
	CmdCreateNode     CommandType = "create_node"
	CmdUpdateNode     CommandType = "update_node"
	CmdDeleteNode     CommandType = "delete_node"
	CmdUpdateWorkflow CommandType = "update_workflow"
	CmdCreateData     CommandType = "create_data"
	CmdApplyCommit    CommandType = "apply_commit"
)

// Command is one entry of an ordered commit. Exactly one payload field is set,
// matching Type.
//
// Commits are ordered lists of commands tagged with a fresh operation id. The
// store applies them atomically and returns one CommandResult per command; the
// results are what keep the orchestrator's in-memory caches coherent.
type Command struct {
	Type CommandType `json:"type"`

	CreateNode     *CreateNode     `json:"create_node,omitempty"`
	UpdateNode     *UpdateNode     `json:"update_node,omitempty"`
	DeleteNode     *DeleteNode     `json:"delete_node,omitempty"`
	UpdateWorkflow *UpdateWorkflow `json:"update_workflow,omitempty"`
	CreateData     *CreateData     `json:"create_data,omitempty"`
	ApplyCommit    *ApplyCommit    `json:"apply_commit,omitempty"`
}

// CreateNode inserts a node row.
type CreateNode struct {
	Node Node `json:"node"`
}

// UpdateNode patches a node row. Nil fields are left untouched; Metadata is
// merged rather than replaced.
type UpdateNode struct {
	NodeID   string         `json:"node_id"`
	Status   *NodeStatus    `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Config   *NodeConfig    `json:"config,omitempty"`
}

// DeleteNode removes a node row.
type DeleteNode struct {
	NodeID string `json:"node_id"`
}

// UpdateWorkflow patches the workflow row. Metadata is merged.
type UpdateWorkflow struct {
	Status   *WorkflowStatus `json:"status,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// CreateData appends a data row. DataID may be pre-assigned by the caller so
// that dependent bookkeeping (yield result maps) can reference the row before
// the commit lands; the store generates one when empty.
type CreateData struct {
	DataID        string         `json:"data_id,omitempty"`
	Type          DataType       `json:"data_type"`
	NodeID        string         `json:"node_id,omitempty"`
	Key           string         `json:"key,omitempty"`
	Discriminator string         `json:"discriminator,omitempty"`
	Content       []byte         `json:"content,omitempty"`
	ContentType   string         `json:"content_type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ApplyCommit absorbs a commit that was produced externally (by a worker
// process committing under its own operation id). The store does not re-apply
// the referenced commands; it returns the recorded results so the caller can
// update its caches through the normal result-processing path.
type ApplyCommit struct {
	OperationID string `json:"operation_id"`
}

// CommandResult is the store's echo of one applied command, carrying the row
// as applied.
type CommandResult struct {
	Type CommandType `json:"type"`

	// Node is set for create_node and update_node.
	Node *Node `json:"node,omitempty"`

	// DeletedNodeID is set for delete_node.
	DeletedNodeID string `json:"deleted_node_id,omitempty"`

	// Workflow is set for update_workflow.
	Workflow *Workflow `json:"workflow,omitempty"`

	// Data is set for create_data.
	Data *Data `json:"data,omitempty"`

	// Applied carries the recorded results of the referenced commit for
	// apply_commit.
	Applied []CommandResult `json:"applied,omitempty"`
}

// Constructors below keep call sites terse.

// NewCreateNode returns a create_node command.
func NewCreateNode(n Node) Command {
	return Command{Type: CmdCreateNode, CreateNode: &CreateNode{Node: n}}
}

// NewUpdateNodeStatus returns an update_node command that only moves status.
func NewUpdateNodeStatus(nodeID string, status NodeStatus) Command {
	s := status
	return Command{Type: CmdUpdateNode, UpdateNode: &UpdateNode{NodeID: nodeID, Status: &s}}
}

// NewUpdateNode returns a full update_node command.
func NewUpdateNode(u UpdateNode) Command {
	return Command{Type: CmdUpdateNode, UpdateNode: &u}
}

// NewDeleteNode returns a delete_node command.
func NewDeleteNode(nodeID string) Command {
	return Command{Type: CmdDeleteNode, DeleteNode: &DeleteNode{NodeID: nodeID}}
}

// NewUpdateWorkflow returns a full update_workflow command.
func NewUpdateWorkflow(u UpdateWorkflow) Command {
	return Command{Type: CmdUpdateWorkflow, UpdateWorkflow: &u}
}

// NewUpdateWorkflowStatus returns an update_workflow command that moves status
// and merges the given metadata patch.
func NewUpdateWorkflowStatus(status WorkflowStatus, meta map[string]any) Command {
	s := status
	return Command{Type: CmdUpdateWorkflow, UpdateWorkflow: &UpdateWorkflow{Status: &s, Metadata: meta}}
}

// NewCreateData returns a create_data command.
func NewCreateData(d CreateData) Command {
	return Command{Type: CmdCreateData, CreateData: &d}
}

// NewApplyCommit returns an apply_commit command.
func NewApplyCommit(operationID string) Command {
	return Command{Type: CmdApplyCommit, ApplyCommit: &ApplyCommit{OperationID: operationID}}
}
