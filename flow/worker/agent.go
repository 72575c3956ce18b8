package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/flowgraph-go/flow/model"
	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
)

// AgentWorker runs one LLM step over the node's inputs.
//
// When the node's config names delegate children, the agent first yields to
// them and folds their results into the prompt, the hierarchical map/reduce
// shape. A parent agent may succeed even when some delegates failed; whether
// partial results are acceptable is the prompt's business, not the runtime's.
//
// Config params:
//   - "system" (string): system prompt.
//   - "prompt" (string, required): user prompt. Inputs are appended as a
//     context block.
//   - "delegate" ([]string): child node ids to yield to before the LLM call.
//   - "workflow_output" (bool): emit the completion as workflow.output.
//   - "outputs" ([]{"node_id","key"}): node.input rows to emit with the
//     completion text.
type AgentWorker struct {
	chat model.ChatModel
}

// NewAgentFactory returns a Factory for the agent node type backed by the
// given chat model.
func NewAgentFactory(chat model.ChatModel) Factory {
	return func(record.Node) (Worker, error) {
		if chat == nil {
			return nil, fmt.Errorf("agent node type requires a chat model")
		}
		return &AgentWorker{chat: chat}, nil
	}
}

// Run implements Worker.
func (a *AgentWorker) Run(ctx context.Context, env Env) (Result, error) {
	params := env.Node.Config.Params
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return Result{Success: false, Error: "agent node requires a 'prompt' param"}, nil
	}

	var contextBlocks []string

	inputs, err := env.Inputs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read inputs: %w", err)
	}
	if len(inputs) > 0 {
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b, _ := json.Marshal(inputs[k])
			contextBlocks = append(contextBlocks, fmt.Sprintf("%s: %s", k, b))
		}
	}

	if delegates := parseDelegates(params["delegate"]); len(delegates) > 0 {
		outcome, err := env.Yield(ctx, delegates)
		if err != nil {
			return Result{}, fmt.Errorf("delegation failed: %w", err)
		}
		blocks, err := a.collectDelegateResults(ctx, env, outcome)
		if err != nil {
			return Result{}, err
		}
		contextBlocks = append(contextBlocks, blocks...)
	}

	messages := []model.Message{}
	if system, _ := params["system"].(string); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	content := prompt
	if len(contextBlocks) > 0 {
		content += "\n\nContext:\n" + strings.Join(contextBlocks, "\n")
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: content})

	out, err := a.chat.Chat(ctx, messages, nil)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("chat completion failed: %v", err)}, nil
	}

	text, err := json.Marshal(out.Text)
	if err != nil {
		return Result{}, err
	}
	var cmds []record.Command
	for _, target := range parseOutputs(params["outputs"]) {
		cmds = append(cmds, record.NewCreateData(record.CreateData{
			Type:    record.DataNodeInput,
			NodeID:  target.NodeID,
			Key:     target.Key,
			Content: text,
		}))
	}
	if isWorkflowOutput, _ := params["workflow_output"].(bool); isWorkflowOutput {
		cmds = append(cmds, record.NewCreateData(record.CreateData{
			Type:    record.DataWorkflowOutput,
			NodeID:  env.NodeID,
			Content: text,
		}))
	}
	if len(cmds) > 0 {
		if _, err := env.Submit(ctx, cmds); err != nil {
			return Result{}, fmt.Errorf("failed to submit outputs: %w", err)
		}
	}

	return Result{Success: true, Output: out.Text}, nil
}

// collectDelegateResults renders each child's result row into a prompt
// context block. Failed children are rendered with their error message so
// the parent can decide what to do with partial results.
func (a *AgentWorker) collectDelegateResults(ctx context.Context, env Env, outcome YieldOutcome) ([]string, error) {
	children := make([]string, 0, len(outcome.RunNodeResults))
	for child := range outcome.RunNodeResults {
		children = append(children, child)
	}
	sort.Strings(children)

	var blocks []string
	for _, child := range children {
		dataID := outcome.RunNodeResults[child]
		if dataID == "" {
			continue
		}
		row, err := env.Store.GetData(ctx, env.WorkflowID, dataID)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("failed to read delegate result: %w", err)
		}
		blocks = append(blocks, fmt.Sprintf("%s: %s", child, row.Content))
	}
	return blocks, nil
}

func parseDelegates(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
