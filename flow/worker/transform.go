package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/dshills/flowgraph-go/flow/record"
)

// TransformWorker evaluates an expression over the node's inputs and routes
// the value onward as data rows.
//
// Config params:
//   - "program" (string, required): expr-lang program. The evaluation
//     environment exposes "inputs" (latest decoded input per key), "node_id",
//     and "metadata".
//   - "outputs" ([]{"node_id","key"}): node.input rows to emit with the
//     program's value, feeding downstream nodes.
//   - "workflow_output" (bool): when true, the value is also emitted as a
//     workflow.output row, completing the workflow.
//
// Example config:
//
//	{
//	  "params": {
//	    "program": "inputs.price * inputs.quantity",
//	    "outputs": [{"node_id": "report", "key": "total"}]
//	  }
//	}
type TransformWorker struct{}

// NewTransformFactory returns a Factory for the transform node type.
func NewTransformFactory() Factory {
	return func(record.Node) (Worker, error) { return &TransformWorker{}, nil }
}

type transformOutput struct {
	NodeID string
	Key    string
}

// Run implements Worker.
func (t *TransformWorker) Run(ctx context.Context, env Env) (Result, error) {
	params := env.Node.Config.Params
	source, _ := params["program"].(string)
	if source == "" {
		return Result{Success: false, Error: "transform node requires a 'program' param"}, nil
	}

	inputs, err := env.Inputs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read inputs: %w", err)
	}

	program, err := expr.Compile(source)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to compile program: %v", err)}, nil
	}
	value, err := expr.Run(program, map[string]any{
		"inputs":   inputs,
		"node_id":  env.NodeID,
		"metadata": env.Node.Metadata,
	})
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("program failed: %v", err)}, nil
	}

	content, err := json.Marshal(value)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("unserializable program value: %v", err)}, nil
	}

	var cmds []record.Command
	for _, out := range parseOutputs(params["outputs"]) {
		cmds = append(cmds, record.NewCreateData(record.CreateData{
			Type:    record.DataNodeInput,
			NodeID:  out.NodeID,
			Key:     out.Key,
			Content: content,
		}))
	}
	if isWorkflowOutput, _ := params["workflow_output"].(bool); isWorkflowOutput {
		cmds = append(cmds, record.NewCreateData(record.CreateData{
			Type:    record.DataWorkflowOutput,
			NodeID:  env.NodeID,
			Content: content,
		}))
	}
	if len(cmds) > 0 {
		if _, err := env.Submit(ctx, cmds); err != nil {
			return Result{}, fmt.Errorf("failed to submit outputs: %w", err)
		}
	}

	return Result{Success: true, Output: value}, nil
}

func parseOutputs(raw any) []transformOutput {
	entries, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []transformOutput
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		nodeID, _ := m["node_id"].(string)
		key, _ := m["key"].(string)
		if nodeID != "" && key != "" {
			out = append(out, transformOutput{NodeID: nodeID, Key: key})
		}
	}
	return out
}
