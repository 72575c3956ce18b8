package record

import "encoding/json"

// YieldRecord is the JSON content of a node.yield data row.
//
// It captures everything needed to reconstruct an in-flight yield after a
// crash: which node yielded, the yield id, the reply topic, the child node
// ids to run, and the ancestor chain of the yielding node.
type YieldRecord struct {
	NodeID    string   `json:"node_id"`
	YieldID   string   `json:"yield_id"`
	ReplyTo   string   `json:"reply_to"`
	RunNodes  []string `json:"run_nodes"`
	ChildPath []string `json:"child_path,omitempty"`
}

// Marshal encodes the yield record as row content.
func (y YieldRecord) Marshal() ([]byte, error) {
	return json.Marshal(y)
}

// ParseYieldRecord decodes a node.yield row's content. A record without a
// node id or yield id is considered malformed.
func ParseYieldRecord(content []byte) (YieldRecord, bool) {
	var y YieldRecord
	if err := json.Unmarshal(content, &y); err != nil {
		return YieldRecord{}, false
	}
	if y.NodeID == "" || y.YieldID == "" {
		return YieldRecord{}, false
	}
	return y, true
}

// YieldResponse is the payload of a node.yield_result row and of the wire
// reply sent to a yielding parent once the row is durable.
type YieldResponse struct {
	YieldID        string            `json:"yield_id"`
	OK             bool              `json:"ok"`
	RunNodeResults map[string]string `json:"run_node_results"`
	AllCompleted   bool              `json:"all_completed"`
}

// Marshal encodes the response as row content.
func (r YieldResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// NodeResultError is the error half of a node.result payload.
type NodeResultError struct {
	Message string `json:"message"`
}

// NodeResultPayload is the content of a node.result row. Exactly one of
// Success or Error is set, matching the row's discriminator.
type NodeResultPayload struct {
	Success any              `json:"success,omitempty"`
	Error   *NodeResultError `json:"error,omitempty"`
}

// SuccessResult encodes a result.success payload.
func SuccessResult(v any) []byte {
	b, err := json.Marshal(NodeResultPayload{Success: v})
	if err != nil {
		// Fall back to an empty success object for unmarshalable values.
		return []byte(`{"success":null}`)
	}
	return b
}

// ErrorResult encodes a result.error payload.
func ErrorResult(message string) []byte {
	b, _ := json.Marshal(NodeResultPayload{Error: &NodeResultError{Message: message}})
	return b
}

// ExtractErrorMessage pulls a human-readable message out of a node.result
// content blob. Preference order: error.message, then a top-level message
// field, then the raw content. Malformed JSON degrades to the raw content.
func ExtractErrorMessage(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	var payload struct {
		Error   *NodeResultError `json:"error"`
		Message string           `json:"message"`
	}
	if err := json.Unmarshal(content, &payload); err == nil {
		if payload.Error != nil && payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return string(content)
}
