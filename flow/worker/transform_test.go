package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowgraph-go/flow/record"
	"github.com/dshills/flowgraph-go/flow/store"
)

func TestTransformWorkerEvaluatesProgram(t *testing.T) {
	node := record.Node{
		NodeID: "calc",
		Type:   "transform",
		Config: record.NodeConfig{Params: map[string]any{
			"program": "inputs.price * inputs.quantity",
			"outputs": []any{map[string]any{"node_id": "report", "key": "total"}},
		}},
	}
	env, st := newTestEnv(t, node)
	seedInput(t, st, "calc", "price", []byte(`3`))
	seedInput(t, st, "calc", "quantity", []byte(`4`))

	w, err := NewTransformFactory()(node)
	require.NoError(t, err)
	res, err := w.Run(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, float64(12), res.Output)

	rows, err := st.ListData(context.Background(), "wf-1", store.DataFilter{
		Types:  []record.DataType{record.DataNodeInput},
		NodeID: "report",
		Key:    "total",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "12", string(rows[0].Content))
}

func TestTransformWorkerEmitsWorkflowOutput(t *testing.T) {
	node := record.Node{
		NodeID: "final",
		Type:   "transform",
		Config: record.NodeConfig{Params: map[string]any{
			"program":         `"result: " + inputs.value`,
			"workflow_output": true,
		}},
	}
	env, st := newTestEnv(t, node)
	seedInput(t, st, "final", "value", []byte(`"done"`))

	w, err := NewTransformFactory()(node)
	require.NoError(t, err)
	res, err := w.Run(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Success)

	rows, err := st.ListData(context.Background(), "wf-1", store.DataFilter{
		Types: []record.DataType{record.DataWorkflowOutput},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `"result: done"`, string(rows[0].Content))
}

func TestTransformWorkerErrors(t *testing.T) {
	t.Run("missing program", func(t *testing.T) {
		node := record.Node{NodeID: "calc", Type: "transform"}
		env, _ := newTestEnv(t, node)
		w, err := NewTransformFactory()(node)
		require.NoError(t, err)
		res, err := w.Run(context.Background(), env)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "program")
	})

	t.Run("compile failure is a soft failure", func(t *testing.T) {
		node := record.Node{
			NodeID: "calc",
			Type:   "transform",
			Config: record.NodeConfig{Params: map[string]any{"program": "this is ((( not valid"}},
		}
		env, _ := newTestEnv(t, node)
		w, err := NewTransformFactory()(node)
		require.NoError(t, err)
		res, err := w.Run(context.Background(), env)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "compile")
	})
}
