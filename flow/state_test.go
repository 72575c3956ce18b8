package flow

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
)

func newTestState(t *testing.T) (*WorkflowState, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	if err := st.CreateWorkflow(context.Background(), record.Workflow{WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	return NewWorkflowState(st, "wf-1", zerolog.Nop()), st
}

func mustCommit(t *testing.T, st store.Store, opID string, cmds ...record.Command) []record.CommandResult {
	t.Helper()
	results, err := st.Commit(context.Background(), "wf-1", opID, cmds)
	if err != nil {
		t.Fatalf("Commit %s failed: %v", opID, err)
	}
	return results
}

func TestLoadMissingWorkflowFails(t *testing.T) {
	ws := NewWorkflowState(store.NewMemStore(), "nope", zerolog.Nop())
	if err := ws.Load(context.Background()); err == nil {
		t.Fatal("expected load failure for missing workflow")
	}
}

func TestPersistUpdatesCaches(t *testing.T) {
	ctx := context.Background()
	ws, _ := newTestState(t)
	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ws.QueueCommand(
		record.NewCreateNode(record.Node{
			NodeID: "A",
			Type:   "test",
			Config: record.NodeConfig{Inputs: &record.InputContract{Required: []string{"cfg"}}},
		}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "A", Key: "cfg", Content: []byte(`1`)}),
	)
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	if _, ok := ws.Node("A"); !ok {
		t.Fatal("created node missing from cache")
	}
	snap := ws.Snapshot()
	if !snap.Inputs.HasContract("A") {
		t.Error("input contract not absorbed")
	}
	if !snap.Inputs.Satisfied("A") {
		t.Error("input availability not tracked")
	}
	if ws.HasOutput() {
		t.Error("hasOutput should still be false")
	}

	ws.QueueCommand(record.NewCreateData(record.CreateData{Type: record.DataWorkflowOutput, Content: []byte(`"done"`)}))
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if !ws.HasOutput() {
		t.Error("workflow.output row should flip hasOutput")
	}
}

func TestPersistEmptyQueueIsNoop(t *testing.T) {
	ws, _ := newTestState(t)
	results, err := ws.Persist(context.Background())
	if err != nil || results != nil {
		t.Fatalf("empty persist should be a no-op, got %v %v", results, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ws.QueueCommand(
		record.NewCreateNode(record.Node{NodeID: "A", Type: "test", Config: record.NodeConfig{Inputs: &record.InputContract{Required: []string{"x"}}}}),
		record.NewCreateNode(record.Node{NodeID: "B", Type: "test"}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "A", Key: "x", Content: []byte(`2`)}),
		record.NewCreateData(record.CreateData{Type: record.DataWorkflowOutput, Content: []byte(`"out"`)}),
	)
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// A fresh state over the same store reproduces the same view.
	fresh := NewWorkflowState(st, "wf-1", zerolog.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("fresh Load failed: %v", err)
	}
	if fresh.NodeCount() != 2 {
		t.Errorf("expected 2 nodes, got %d", fresh.NodeCount())
	}
	snap := fresh.Snapshot()
	if !snap.Inputs.Satisfied("A") {
		t.Error("availability lost across reload")
	}
	if !fresh.HasOutput() {
		t.Error("hasOutput lost across reload")
	}
}

func TestLoadResetsRunningNodes(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	running := record.NodeRunning
	mustCommit(t, st, "op-seed",
		record.NewCreateNode(record.Node{NodeID: "R", Type: "test"}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "R", Status: &running}),
	)

	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	node, _ := ws.Node("R")
	if node.Status != record.NodePending {
		t.Errorf("expected RUNNING node reset to PENDING, got %s", node.Status)
	}

	// The reset is durable, not just in-memory.
	rows, err := st.ListNodes(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if rows[0].Status != record.NodePending {
		t.Errorf("reset not persisted, disk shows %s", rows[0].Status)
	}
}

func TestLoadReconstructsYields(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)

	running := record.NodeRunning
	completed := record.NodeCompletedSuccess
	yieldRec := record.YieldRecord{
		NodeID:    "R",
		YieldID:   "y-1",
		ReplyTo:   "node.R.reply.y-1",
		RunNodes:  []string{"c1", "c2", "ghost"},
		ChildPath: []string{"R"},
	}
	yieldContent, _ := yieldRec.Marshal()
	mustCommit(t, st, "op-seed",
		record.NewCreateNode(record.Node{NodeID: "R", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "c1", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "c2", Type: "test"}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "R", Status: &running}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "c2", Status: &completed}),
		record.NewCreateData(record.CreateData{
			DataID: "c2-result", Type: record.DataNodeResult, NodeID: "c2",
			Discriminator: record.DiscriminatorSuccess, Content: record.SuccessResult("ok"),
		}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeYield, NodeID: "R", Content: yieldContent}),
	)

	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	node, _ := ws.Node("R")
	if node.Status != record.NodePending {
		t.Fatalf("yield owner should be PENDING after recovery, got %s", node.Status)
	}
	y, ok := ws.ActiveYield("R")
	if !ok {
		t.Fatal("yield was not reconstructed")
	}
	if y.YieldID != "y-1" || y.ReplyTo != "node.R.reply.y-1" {
		t.Errorf("yield identity lost: %+v", y)
	}
	if y.PendingChildren["c1"] != record.NodePending {
		t.Errorf("c1 should still be pending, got %s", y.PendingChildren["c1"])
	}
	if y.PendingChildren["c2"] != record.NodeCompletedSuccess {
		t.Errorf("c2 status lost, got %s", y.PendingChildren["c2"])
	}
	if _, exists := y.PendingChildren["ghost"]; exists {
		t.Error("missing children must be dropped")
	}
	if y.Results["c2"] != "c2-result" {
		t.Errorf("expected c2 result data id, got %q", y.Results["c2"])
	}
	if len(y.ChildPath) != 1 || y.ChildPath[0] != "R" {
		t.Errorf("child path lost: %v", y.ChildPath)
	}
}

func TestLoadSkipsMalformedYields(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	running := record.NodeRunning
	mustCommit(t, st, "op-seed",
		record.NewCreateNode(record.Node{NodeID: "R", Type: "test"}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "R", Status: &running}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeYield, NodeID: "R", Content: []byte(`{not json`)}),
	)

	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := ws.ActiveYield("R"); ok {
		t.Error("malformed yield payload must be skipped")
	}
}

func TestLoadRetainsEmptyRunSet(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	running := record.NodeRunning
	rec := record.YieldRecord{NodeID: "R", YieldID: "y-0", ReplyTo: "r", RunNodes: nil}
	content, _ := rec.Marshal()
	mustCommit(t, st, "op-seed",
		record.NewCreateNode(record.Node{NodeID: "R", Type: "test"}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "R", Status: &running}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeYield, NodeID: "R", Content: content}),
	)

	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	y, ok := ws.ActiveYield("R")
	if !ok {
		t.Fatal("empty run set should be retained")
	}
	if !y.Satisfiable() {
		t.Error("empty run set should satisfy immediately")
	}
}

func TestHandleProcessExit(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ws, _ := newTestState(t)
		if err := ws.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		ws.QueueCommand(record.NewCreateNode(record.Node{NodeID: "A", Type: "test"}))
		if _, err := ws.Persist(ctx); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		ws.TrackProcess("A", "pid-1")

		info, ok := ws.HandleProcessExit("pid-1", true, map[string]any{"value": 42}, "")
		if !ok {
			t.Fatal("exit for tracked pid should resolve")
		}
		if info.NodeID != "A" || info.Status != record.NodeCompletedSuccess {
			t.Errorf("unexpected exit info %+v", info)
		}
		if _, err := ws.Persist(ctx); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		node, _ := ws.Node("A")
		if node.Status != record.NodeCompletedSuccess {
			t.Errorf("node status not updated, got %s", node.Status)
		}
		rows, _ := ws.store.ListData(ctx, "wf-1", store.DataFilter{Types: []record.DataType{record.DataNodeResult}, NodeID: "A"})
		if len(rows) != 1 || rows[0].Discriminator != record.DiscriminatorSuccess {
			t.Fatalf("expected one result.success row, got %v", rows)
		}
		var payload record.NodeResultPayload
		if err := json.Unmarshal(rows[0].Content, &payload); err != nil || payload.Success == nil {
			t.Errorf("result payload malformed: %s", rows[0].Content)
		}
	})

	t.Run("failure completes yield", func(t *testing.T) {
		ws, _ := newTestState(t)
		if err := ws.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		ws.QueueCommand(
			record.NewCreateNode(record.Node{NodeID: "P", Type: "test"}),
			record.NewCreateNode(record.Node{NodeID: "C", Type: "test"}),
		)
		if _, err := ws.Persist(ctx); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		if err := ws.TrackYield("P", YieldInfo{
			YieldID:         "y-1",
			ReplyTo:         "r",
			PendingChildren: map[string]record.NodeStatus{"C": record.NodePending},
			Results:         map[string]string{},
		}); err != nil {
			t.Fatalf("TrackYield failed: %v", err)
		}
		if _, err := ws.Persist(ctx); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		ws.TrackProcess("C", "pid-c")

		info, ok := ws.HandleProcessExit("pid-c", false, nil, "boom")
		if !ok || info.YieldComplete == nil {
			t.Fatalf("last child exit should complete the yield, got %+v", info)
		}
		if info.YieldComplete.ParentID != "P" {
			t.Errorf("wrong parent in completion: %s", info.YieldComplete.ParentID)
		}
		if info.YieldComplete.Yield.Results["C"] != info.ResultDataID {
			t.Error("completion should reference the child's result row")
		}
	})

	t.Run("unknown pid ignored", func(t *testing.T) {
		ws, _ := newTestState(t)
		if _, ok := ws.HandleProcessExit("pid-x", true, nil, ""); ok {
			t.Error("unknown pid should not resolve")
		}
	})
}

func TestSatisfyYieldQueuesResultRow(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ws.QueueCommand(record.NewCreateNode(record.Node{NodeID: "P", Type: "test"}))
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if err := ws.TrackYield("P", YieldInfo{
		YieldID:         "y-9",
		ReplyTo:         "r",
		PendingChildren: map[string]record.NodeStatus{},
		Results:         map[string]string{},
	}); err != nil {
		t.Fatalf("TrackYield failed: %v", err)
	}
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	response, ok := ws.SatisfyYield("P", map[string]string{"c": "d"})
	if !ok {
		t.Fatal("satisfy should find the live yield")
	}
	if response.YieldID != "y-9" || !response.OK || !response.AllCompleted {
		t.Errorf("unexpected response %+v", response)
	}
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if _, still := ws.ActiveYield("P"); still {
		t.Error("satisfied yield should leave the live set")
	}
	rows, _ := st.ListData(ctx, "wf-1", store.DataFilter{Types: []record.DataType{record.DataNodeYieldResult}})
	if len(rows) != 1 {
		t.Fatalf("expected one yield result row, got %d", len(rows))
	}
}

func TestApplyCommitAbsorbsExternalResults(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ws.QueueCommand(record.NewCreateNode(record.Node{NodeID: "B", Type: "test"}))
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// A worker commits inputs under its own operation id.
	mustCommit(t, st, "op-worker",
		record.NewCreateData(record.CreateData{Type: record.DataNodeInput, NodeID: "B", Key: "k", Content: []byte(`true`)}),
	)
	if ws.Snapshot().Inputs.AnyAvailable("B") {
		t.Fatal("external commit must not leak into caches before absorption")
	}

	ws.QueueCommand(record.NewApplyCommit("op-worker"))
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if !ws.Snapshot().Inputs.AnyAvailable("B") {
		t.Error("apply_commit should update availability through the result path")
	}
}

func TestFailedNodeErrors(t *testing.T) {
	ctx := context.Background()
	ws, st := newTestState(t)
	failed := record.NodeCompletedFailure
	mustCommit(t, st, "op-seed",
		record.NewCreateNode(record.Node{NodeID: "A", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "B", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "C", Type: "test"}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "A", Status: &failed}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "B", Status: &failed}),
		record.NewUpdateNode(record.UpdateNode{NodeID: "C", Status: &failed}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeResult, NodeID: "A", Discriminator: record.DiscriminatorError, Content: record.ErrorResult("first failure")}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeResult, NodeID: "B", Discriminator: record.DiscriminatorError, Content: []byte(`{"message":"bare message"}`)}),
		record.NewCreateData(record.CreateData{Type: record.DataNodeResult, NodeID: "C", Discriminator: record.DiscriminatorError, Content: []byte(`not json at all`)}),
	)
	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	summary := ws.FailedNodeErrors(ctx)
	for _, want := range []string{"first failure", "bare message", "not json at all"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q: %s", want, summary)
		}
	}
	if strings.Count(summary, ";") != 2 {
		t.Errorf("expected semicolon-joined summary, got %q", summary)
	}
}

func TestNodeActive(t *testing.T) {
	ctx := context.Background()
	ws, _ := newTestState(t)
	if err := ws.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ws.QueueCommand(
		record.NewCreateNode(record.Node{NodeID: "running", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "yielding", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "child", Type: "test"}),
		record.NewCreateNode(record.Node{NodeID: "idle", Type: "test"}),
	)
	if _, err := ws.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	ws.TrackProcess("running", "pid-r")
	if err := ws.TrackYield("yielding", YieldInfo{
		YieldID:         "y",
		PendingChildren: map[string]record.NodeStatus{"child": record.NodePending},
		Results:         map[string]string{},
	}); err != nil {
		t.Fatalf("TrackYield failed: %v", err)
	}

	for _, id := range []string{"running", "yielding", "child"} {
		if !ws.NodeActive(id) {
			t.Errorf("%s should be active", id)
		}
	}
	if ws.NodeActive("idle") {
		t.Error("idle should not be active")
	}
}
