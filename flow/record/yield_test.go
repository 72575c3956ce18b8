package record

import "testing"

func TestParseYieldRecord(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := YieldRecord{
			NodeID:    "P",
			YieldID:   "y-1",
			ReplyTo:   "node.P.reply.y-1",
			RunNodes:  []string{"c1", "c2"},
			ChildPath: []string{"root", "P"},
		}
		content, err := in.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		out, ok := ParseYieldRecord(content)
		if !ok {
			t.Fatal("round trip should parse")
		}
		if out.YieldID != "y-1" || len(out.RunNodes) != 2 || len(out.ChildPath) != 2 {
			t.Errorf("fields lost: %+v", out)
		}
	})

	t.Run("malformed payloads", func(t *testing.T) {
		for name, content := range map[string][]byte{
			"not json":        []byte(`{broken`),
			"missing node id": []byte(`{"yield_id":"y"}`),
			"missing yield":   []byte(`{"node_id":"n"}`),
		} {
			if _, ok := ParseYieldRecord(content); ok {
				t.Errorf("%s should be rejected", name)
			}
		}
	})
}

func TestExtractErrorMessage(t *testing.T) {
	cases := []struct {
		name    string
		content []byte
		want    string
	}{
		{"error message preferred", ErrorResult("it broke"), "it broke"},
		{"top-level message", []byte(`{"message":"plain"}`), "plain"},
		{"malformed json degrades to raw", []byte(`total garbage`), "total garbage"},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractErrorMessage(tc.content); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if NodePending.Terminal() || NodeRunning.Terminal() {
		t.Error("pending and running are not terminal")
	}
	if !NodeCompletedSuccess.Terminal() || !NodeCompletedFailure.Terminal() {
		t.Error("completed statuses are terminal")
	}
	if !WorkflowCancelled.Terminal() || WorkflowRunning.Terminal() {
		t.Error("workflow terminal classification wrong")
	}
}

func TestMergeMetadata(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	merged := MergeMetadata(base, map[string]any{"b": 3, "c": 4})
	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Errorf("unexpected merge %v", merged)
	}
	if base["b"] != 2 {
		t.Error("merge must not mutate the base map")
	}
}
