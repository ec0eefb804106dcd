package render

import (
	"encoding/json"
)

// The wire encoding of the render AST is a tagged tree: every node carries a
// "node" discriminator and the frontend interprets function names as its own
// widgets. No variant names a UI primitive.

type argJSON struct {
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes a function call with its inferred operation wirings.
func (e *FunctionCall) MarshalJSON() ([]byte, error) {
	args := make([]argJSON, 0, len(e.Args))
	for _, a := range e.Args {
		raw, err := marshalExpr(a.Value)
		if err != nil {
			return nil, err
		}
		args = append(args, argJSON{Name: a.Name, Value: raw})
	}
	return json.Marshal(struct {
		Node       string      `json:"node"`
		Name       string      `json:"name"`
		Args       []argJSON   `json:"args,omitempty"`
		Operations interface{} `json:"operations,omitempty"`
	}{"function_call", e.Name, args, opsOrNil(e)})
}

func opsOrNil(e *FunctionCall) interface{} {
	if len(e.Operations) == 0 {
		return nil
	}
	return e.Operations
}

// MarshalJSON encodes a column reference.
func (e *ColumnRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node string `json:"node"`
		Name string `json:"name"`
	}{"column_ref", e.Name})
}

// MarshalJSON encodes a literal.
func (e *Literal) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node  string      `json:"node"`
		Value interface{} `json:"value"`
	}{"literal", e.Value})
}

// MarshalJSON encodes a binary operation.
func (e *BinaryOp) MarshalJSON() ([]byte, error) {
	left, err := marshalExpr(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := marshalExpr(e.Right)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Node  string          `json:"node"`
		Op    string          `json:"op"`
		Left  json.RawMessage `json:"left"`
		Right json.RawMessage `json:"right"`
	}{"binary_op", e.Op, left, right})
}

// MarshalJSON encodes an array.
func (e *Array) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(e.Items))
	for _, it := range e.Items {
		raw, err := marshalExpr(it)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return json.Marshal(struct {
		Node  string            `json:"node"`
		Items []json.RawMessage `json:"items"`
	}{"array", items})
}

// MarshalJSON encodes an object.
func (e *Object) MarshalJSON() ([]byte, error) {
	fields := make([]argJSON, 0, len(e.Fields))
	for _, f := range e.Fields {
		raw, err := marshalExpr(f.Value)
		if err != nil {
			return nil, err
		}
		fields = append(fields, argJSON{Name: f.Name, Value: raw})
	}
	return json.Marshal(struct {
		Node   string    `json:"node"`
		Fields []argJSON `json:"fields"`
	}{"object", fields})
}

// MarshalJSON encodes a runtime parameter reference.
func (e *Param) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node string `json:"node"`
		Name string `json:"name"`
	}{"param", e.Name})
}

func marshalExpr(e Expr) (json.RawMessage, error) {
	return json.Marshal(e)
}

// MarshalJSON encodes the complete spec.
func (s RenderSpec) MarshalJSON() ([]byte, error) {
	root, err := marshalExpr(s.Root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Root       json.RawMessage `json:"root"`
		SubQueries []SubQuery      `json:"sub_queries,omitempty"`
		Warnings   []string        `json:"warnings,omitempty"`
	}{root, s.SubQueries, s.Warnings})
}
