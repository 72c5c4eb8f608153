package graph

import (
	"encoding/json"
	"fmt"
)

// Type identifies an operation variant on the wire.
type Type string

const (
	TypeAddNode        Type = "ADD_NODE"
	TypeDeleteNode     Type = "DELETE_NODE"
	TypeUpdateNode     Type = "UPDATE_NODE"
	TypeAddEdge        Type = "ADD_EDGE"
	TypeDeleteEdge     Type = "DELETE_EDGE"
	TypeUpdateMetadata Type = "UPDATE_GRAPH_METADATA"
)

// Payload is the tagged union of operation bodies. Every consumer switches
// exhaustively over the concrete types; there is no generic fallthrough.
type Payload interface {
	isPayload()
}

type AddNode struct {
	Node Node `json:"node"`
}

type DeleteNode struct {
	NodeID string `json:"nodeId"`
}

type UpdateNode struct {
	NodeID  string         `json:"nodeId"`
	Updates map[string]any `json:"updates"`
}

type AddEdge struct {
	Edge Edge `json:"edge"`
}

type DeleteEdge struct {
	EdgeID string `json:"edgeId"`
}

type UpdateMetadata struct {
	Updates map[string]any `json:"updates"`
}

func (AddNode) isPayload()        {}
func (DeleteNode) isPayload()     {}
func (UpdateNode) isPayload()     {}
func (AddEdge) isPayload()        {}
func (DeleteEdge) isPayload()     {}
func (UpdateMetadata) isPayload() {}

// Operation is an atomic, typed description of a graph mutation. IDs are
// unique for the lifetime of a document's history. Timestamp is a wall-clock
// millisecond value used only as a conflict tie-break, never as a
// correctness guarantee.
type Operation struct {
	ID         string
	Type       Type
	UserID     string
	DocumentID string
	Timestamp  int64
	Payload    Payload
}

// TypeOf reports the Type matching a payload variant.
func TypeOf(p Payload) (Type, bool) {
	switch p.(type) {
	case AddNode, *AddNode:
		return TypeAddNode, true
	case DeleteNode, *DeleteNode:
		return TypeDeleteNode, true
	case UpdateNode, *UpdateNode:
		return TypeUpdateNode, true
	case AddEdge, *AddEdge:
		return TypeAddEdge, true
	case DeleteEdge, *DeleteEdge:
		return TypeDeleteEdge, true
	case UpdateMetadata, *UpdateMetadata:
		return TypeUpdateMetadata, true
	}
	return "", false
}

type operationEnvelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	UserID     string          `json:"userId"`
	DocumentID string          `json:"documentId"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	if op.Payload == nil {
		return nil, fmt.Errorf("operation %s: nil payload", op.ID)
	}
	body, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(operationEnvelope{
		ID:         op.ID,
		Type:       op.Type,
		UserID:     op.UserID,
		DocumentID: op.DocumentID,
		Timestamp:  op.Timestamp,
		Payload:    body,
	})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	op.ID = env.ID
	op.Type = env.Type
	op.UserID = env.UserID
	op.DocumentID = env.DocumentID
	op.Timestamp = env.Timestamp
	op.Payload = payload
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	unmarshal := func(v any) error {
		if len(raw) == 0 {
			return fmt.Errorf("operation type %s: missing payload", t)
		}
		return json.Unmarshal(raw, v)
	}
	switch t {
	case TypeAddNode:
		var p AddNode
		err := unmarshal(&p)
		return p, err
	case TypeDeleteNode:
		var p DeleteNode
		err := unmarshal(&p)
		return p, err
	case TypeUpdateNode:
		var p UpdateNode
		err := unmarshal(&p)
		return p, err
	case TypeAddEdge:
		var p AddEdge
		err := unmarshal(&p)
		return p, err
	case TypeDeleteEdge:
		var p DeleteEdge
		err := unmarshal(&p)
		return p, err
	case TypeUpdateMetadata:
		var p UpdateMetadata
		err := unmarshal(&p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
}
