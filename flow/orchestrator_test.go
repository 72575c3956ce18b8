package flow

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dshills/flowgraph-go/flow/proc"
	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
	"github.com/dshills/flowgraph-go/flow/worker"
)

type harness struct {
	store    *store.MemStore
	registry *proc.Registry
	workers  *worker.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemStore(),
		registry: proc.NewRegistry(),
		workers:  worker.NewRegistry(),
	}
	if err := h.store.CreateWorkflow(context.Background(), record.Workflow{WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	return h
}

func (h *harness) deps() Deps {
	return Deps{Store: h.store, Registry: h.registry, Workers: h.workers}
}

func (h *harness) seed(t *testing.T, cmds ...record.Command) {
	t.Helper()
	if _, err := h.store.Commit(context.Background(), "wf-1", "op-seed", cmds); err != nil {
		t.Fatalf("seed commit failed: %v", err)
	}
}

// emitOutputWorker submits a workflow.output row and succeeds.
func emitOutputWorker(output string) worker.Func {
	return func(ctx context.Context, env worker.Env) (worker.Result, error) {
		_, err := env.Submit(ctx, []record.Command{
			record.NewCreateData(record.CreateData{
				Type:    record.DataWorkflowOutput,
				NodeID:  env.NodeID,
				Content: []byte(output),
			}),
		})
		if err != nil {
			return worker.Result{}, err
		}
		return worker.Result{Success: true, Output: "emitted"}, nil
	}
}

func TestRunValidatesRequest(t *testing.T) {
	result := Run(context.Background(), RunRequest{}, Deps{Store: store.NewMemStore()})
	if result.Success || result.Error == "" {
		t.Fatalf("missing workflow id should fail fast, got %+v", result)
	}
}

func TestRunMissingWorkflowFailsFast(t *testing.T) {
	h := newHarness(t)
	result := Run(context.Background(), RunRequest{WorkflowID: "ghost"}, h.deps())
	if result.Success {
		t.Fatal("unknown workflow should fail")
	}
	if !strings.Contains(result.Error, "failed to load workflow") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestRunEmptyWorkflow(t *testing.T) {
	h := newHarness(t)
	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if !result.Success {
		t.Fatalf("empty workflow should succeed, got %+v", result)
	}
	wf, err := h.store.GetWorkflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf.Status != record.WorkflowCompletedSuccess {
		t.Errorf("expected terminal success on disk, got %s", wf.Status)
	}
}

func TestRunSingleRootProducesOutput(t *testing.T) {
	h := newHarness(t)
	h.workers.RegisterFunc("emit", emitOutputWorker(`{"answer":42}`))
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "emit"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if string(result.Output) != `{"answer":42}` {
		t.Errorf("unexpected output %s", result.Output)
	}

	nodes, _ := h.store.ListNodes(context.Background(), "wf-1")
	if nodes[0].Status != record.NodeCompletedSuccess {
		t.Errorf("node should be completed_success, got %s", nodes[0].Status)
	}
	wf, _ := h.store.GetWorkflow(context.Background(), "wf-1")
	if wf.Status != record.WorkflowCompletedSuccess {
		t.Errorf("workflow should be completed_success, got %s", wf.Status)
	}
}

func TestRunFailingNode(t *testing.T) {
	h := newHarness(t)
	h.workers.RegisterFunc("boom", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		return worker.Result{Success: false, Error: "kaboom"}, nil
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "boom"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if result.Success {
		t.Fatal("failing node without output should fail the workflow")
	}
	if !strings.Contains(result.Error, "kaboom") {
		t.Errorf("error should carry the node's message, got %q", result.Error)
	}
	nodes, _ := h.store.ListNodes(context.Background(), "wf-1")
	if nodes[0].Status != record.NodeCompletedFailure {
		t.Errorf("node should be completed_failure, got %s", nodes[0].Status)
	}
}

func TestRunWorkerPanicIsLinkedDown(t *testing.T) {
	h := newHarness(t)
	h.workers.RegisterFunc("panics", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		panic("worker exploded")
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "panics"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if result.Success {
		t.Fatal("panicking worker should fail the workflow")
	}
	if !strings.Contains(result.Error, "Node process linked down") {
		t.Errorf("expected linked-down message, got %q", result.Error)
	}
}

func TestRunUnknownNodeTypeFailsBatch(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "unregistered"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if result.Success {
		t.Fatal("spawn failure should fail the workflow")
	}
	nodes, _ := h.store.ListNodes(context.Background(), "wf-1")
	if nodes[0].Status != record.NodeCompletedFailure {
		t.Errorf("spawn failure should fail the node, got %s", nodes[0].Status)
	}
	wf, _ := h.store.GetWorkflow(context.Background(), "wf-1")
	if wf.Status != record.WorkflowCompletedFailure {
		t.Errorf("workflow should be completed_failure, got %s", wf.Status)
	}
}

func TestRunDeadlockDiagnostics(t *testing.T) {
	t.Run("unmet requirement", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t,
			record.NewCreateNode(record.Node{
				NodeID: "R", Type: "emit",
				Config: record.NodeConfig{Inputs: &record.InputContract{Required: []string{"cfg", "data"}}},
			}),
			record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
		)
		result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
		if result.Success || !strings.Contains(result.Error, "deadlocked") {
			t.Errorf("expected deadlock diagnostic, got %+v", result)
		}
	})

	t.Run("no input data", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, record.NewCreateNode(record.Node{NodeID: "R", Type: "emit"}))
		result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
		if result.Success || result.Error != "No input data provided" {
			t.Errorf("expected no-input diagnostic, got %+v", result)
		}
	})
}

func TestRunYieldFanout(t *testing.T) {
	h := newHarness(t)

	// Children succeed or fail; the parent absorbs the failure and still
	// produces the workflow output.
	h.workers.RegisterFunc("child-ok", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		return worker.Result{Success: true, Output: "done-" + env.NodeID}, nil
	})
	h.workers.RegisterFunc("child-bad", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		return worker.Result{Success: false, Error: "child failed"}, nil
	})
	h.workers.RegisterFunc("parent", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		_, err := env.Submit(ctx, []record.Command{
			record.NewCreateNode(record.Node{NodeID: "c1", Type: "child-ok", ParentNodeID: env.NodeID}),
			record.NewCreateNode(record.Node{NodeID: "c2", Type: "child-bad", ParentNodeID: env.NodeID}),
		})
		if err != nil {
			return worker.Result{}, err
		}
		outcome, err := env.Yield(ctx, []string{"c1", "c2"})
		if err != nil {
			return worker.Result{}, err
		}
		if !outcome.AllCompleted {
			return worker.Result{Success: false, Error: "yield did not complete"}, nil
		}
		summary, _ := json.Marshal(map[string]any{"children": len(outcome.RunNodeResults)})
		if _, err := env.Submit(ctx, []record.Command{
			record.NewCreateData(record.CreateData{Type: record.DataWorkflowOutput, NodeID: env.NodeID, Content: summary}),
		}); err != nil {
			return worker.Result{}, err
		}
		return worker.Result{Success: true}, nil
	})

	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "P", Type: "parent"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "P", Key: "go", Content: []byte(`true`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if !result.Success {
		t.Fatalf("parent should absorb child failure, got %+v", result)
	}
	if !strings.Contains(string(result.Output), `"children":2`) {
		t.Errorf("unexpected output %s", result.Output)
	}

	ctx := context.Background()
	nodes, _ := h.store.ListNodes(ctx, "wf-1")
	statuses := map[string]record.NodeStatus{}
	for _, n := range nodes {
		statuses[n.NodeID] = n.Status
	}
	if statuses["c1"] != record.NodeCompletedSuccess || statuses["c2"] != record.NodeCompletedFailure {
		t.Errorf("unexpected child statuses %v", statuses)
	}
	if statuses["P"] != record.NodeCompletedSuccess {
		t.Errorf("parent should complete successfully, got %s", statuses["P"])
	}

	yields, _ := h.store.ListData(ctx, "wf-1", store.DataFilter{Types: []record.DataType{record.DataNodeYield}})
	if len(yields) != 1 {
		t.Errorf("expected one persisted yield row, got %d", len(yields))
	}
	replies, _ := h.store.ListData(ctx, "wf-1", store.DataFilter{Types: []record.DataType{record.DataNodeYieldResult}})
	if len(replies) != 1 {
		t.Errorf("expected one yield result row, got %d", len(replies))
	}
}

func TestRunEmptyYieldRepliesImmediately(t *testing.T) {
	h := newHarness(t)
	h.workers.RegisterFunc("parent", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		outcome, err := env.Yield(ctx, nil)
		if err != nil {
			return worker.Result{}, err
		}
		if !outcome.AllCompleted || len(outcome.RunNodeResults) != 0 {
			return worker.Result{Success: false, Error: "unexpected outcome"}, nil
		}
		return emitOutputWorker(`"empty"`)(ctx, env)
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "P", Type: "parent"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "P", Key: "go", Content: []byte(`true`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if !result.Success {
		t.Fatalf("empty yield should reply synchronously, got %+v", result)
	}
}

func TestRunCancel(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.workers.RegisterFunc("blocker", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		close(started)
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "blocker"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	go func() {
		<-started
		_ = h.registry.Send(context.Background(), WorkflowProcessName("wf-1"), proc.Message{
			Topic:   TopicCancel,
			Payload: "operator request",
		})
	}()

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if result.Success {
		t.Fatal("cancelled workflow must not succeed")
	}
	if result.Error != "operator request" {
		t.Errorf("expected cancel reason, got %q", result.Error)
	}
	wf, _ := h.store.GetWorkflow(context.Background(), "wf-1")
	if wf.Status != record.WorkflowCancelled {
		t.Errorf("expected cancelled status, got %s", wf.Status)
	}
}

func TestRunContextCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.workers.RegisterFunc("blocker", func(workerCtx context.Context, env worker.Env) (worker.Result, error) {
		cancel()
		<-workerCtx.Done()
		return worker.Result{}, workerCtx.Err()
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "blocker"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	result := Run(ctx, RunRequest{WorkflowID: "wf-1"}, h.deps())
	if result.Success {
		t.Fatal("context cancellation must not succeed the workflow")
	}
	wf, _ := h.store.GetWorkflow(context.Background(), "wf-1")
	if wf.Status != record.WorkflowCancelled {
		t.Errorf("expected cancelled status, got %s", wf.Status)
	}
}

func TestRunRecoveryResumesYield(t *testing.T) {
	h := newHarness(t)

	// Disk state left by a killed orchestrator: parent RUNNING with a
	// persisted yield; c2 already completed, c1 still pending.
	running := record.NodeRunning
	completed := record.NodeCompletedSuccess
	yieldRec := record.YieldRecord{
		NodeID: "P", YieldID: "y-1", ReplyTo: "node.P.reply.y-1",
		RunNodes: []string{"c1", "c2"}, ChildPath: []string{"P"},
	}
	yieldContent, _ := yieldRec.Marshal()
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "P", Type: "parent"}),
		record.NewCreateNode(record.Node{NodeID: "c1", Type: "child-ok", ParentNodeID: "P"}),
		record.NewCreateNode(record.Node{NodeID: "c2", Type: "child-ok", ParentNodeID: "P"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "P", Key: "go", Content: []byte(`true`)}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "P", Status: &running}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "c2", Status: &completed}),
		record.NewCreateData(record.CreateData{
			DataID: "c2-result", Type: record.DataNodeResult, NodeID: "c2",
			Discriminator: record.DiscriminatorSuccess, Content: record.SuccessResult("ok"),
		}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeYield, NodeID: "P", Content: yieldContent}),
	)

	h.workers.RegisterFunc("child-ok", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		return worker.Result{Success: true, Output: "done-" + env.NodeID}, nil
	})
	// The re-run parent re-yields over the same children; already-completed
	// ones resolve from their existing result rows.
	h.workers.RegisterFunc("parent", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		outcome, err := env.Yield(ctx, []string{"c1", "c2"})
		if err != nil {
			return worker.Result{}, err
		}
		if len(outcome.RunNodeResults) != 2 {
			return worker.Result{Success: false, Error: "missing child results"}, nil
		}
		return emitOutputWorker(`"recovered"`)(ctx, env)
	})

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if !result.Success {
		t.Fatalf("recovered workflow should complete, got %+v", result)
	}
	if string(result.Output) != `"recovered"` {
		t.Errorf("unexpected output %s", result.Output)
	}
	nodes, _ := h.store.ListNodes(context.Background(), "wf-1")
	for _, n := range nodes {
		if !n.Status.Terminal() {
			t.Errorf("node %s not terminal after recovery: %s", n.NodeID, n.Status)
		}
	}
}

func TestRunConcurrentBatchExecutesInParallel(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.workers.RegisterFunc("waiter", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		// Both workers must be live at once for either to pass the gate.
		select {
		case gate <- struct{}{}:
		case <-gate:
		case <-time.After(5 * time.Second):
			return worker.Result{Success: false, Error: "no concurrency"}, nil
		}
		if env.NodeID == "B" {
			return emitOutputWorker(`"both ran"`)(ctx, env)
		}
		return worker.Result{Success: true}, nil
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "A", Type: "waiter", Config: record.NodeConfig{Inputs: &record.InputContract{Required: []string{"k"}}}}),
		record.NewCreateNode(record.Node{NodeID: "B", Type: "waiter", Config: record.NodeConfig{Inputs: &record.InputContract{Required: []string{"k"}}}}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "A", Key: "k", Content: []byte(`1`)}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "B", Key: "k", Content: []byte(`1`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps(), WithMaxConcurrentNodes(4))
	if !result.Success {
		t.Fatalf("concurrent batch should complete, got %+v", result)
	}
}

func TestRunRunningBeforeSpawnIsDurable(t *testing.T) {
	h := newHarness(t)
	observed := make(chan record.NodeStatus, 1)
	h.workers.RegisterFunc("checker", func(ctx context.Context, env worker.Env) (worker.Result, error) {
		// The worker observes its own RUNNING row: the update was durable
		// before the spawn.
		nodes, err := env.Store.ListNodes(ctx, env.WorkflowID)
		if err != nil {
			return worker.Result{}, err
		}
		for _, n := range nodes {
			if n.NodeID == env.NodeID {
				observed <- n.Status
			}
		}
		return emitOutputWorker(`"ok"`)(ctx, env)
	})
	h.seed(t,
		record.NewCreateNode(record.Node{NodeID: "R", Type: "checker"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "R", Key: "cfg", Content: []byte(`{}`)}),
	)

	result := Run(context.Background(), RunRequest{WorkflowID: "wf-1"}, h.deps())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	select {
	case status := <-observed:
		if status != record.NodeRunning {
			t.Errorf("worker observed status %s, want running", status)
		}
	default:
		t.Error("worker never observed its own row")
	}
}
