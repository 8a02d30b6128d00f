// Package biaser implements the generation-time constraint engine: at
// every sampling step it returns the admissible subset of vocabulary tokens
// under a compiled JSON Schema, and advances as tokens are accepted. The
// schema is compiled once into a tree of grammar frames; admissibility is
// computed by co-descending the tokenizer's byte trie and the frame tree.
package biaser

import (
	"encoding/json"
	"fmt"
)

// schemaNode is the compiled form of one JSON Schema fragment. Exactly one
// of the typed configs is populated, selected by Type.
type schemaNode struct {
	Type string

	Number NumberConfig
	String StringConfig
	Array  ArrayConfig
	Object ObjectConfig
}

// NumberConfig is the compiled {type: "number"} fragment.
type NumberConfig struct {
	Min         *float64
	Max         *float64
	MaxDecimals *int
}

// StringConfig is the compiled {type: "string"} fragment.
type StringConfig struct {
	MaxLength *int
	Enum      []string
}

// ArrayConfig is the compiled {type: "array"} fragment.
type ArrayConfig struct {
	Items    *schemaNode
	MinItems int
	MaxItems int // 0 means unbounded
}

// ObjectConfig is the compiled {type: "object"} fragment.
type ObjectConfig struct {
	Properties map[string]*schemaNode
	Required   []string
}

// rawSchema mirrors the supported subset of JSON Schema.
type rawSchema struct {
	Type        string                `json:"type"`
	Min         *float64              `json:"min"`
	Max         *float64              `json:"max"`
	MaxDecimals *int                  `json:"max_decimals"`
	MaxLength   *int                  `json:"max_length"`
	Enum        []string              `json:"enum"`
	Items       *rawSchema            `json:"items"`
	MinItems    int                   `json:"min_items"`
	MaxItems    int                   `json:"max_items"`
	Properties  map[string]*rawSchema `json:"properties"`
	Required    []string              `json:"required"`
}

// compile turns parsed JSON Schema into the runtime automaton tree.
func compile(r *rawSchema) (*schemaNode, error) {
	switch r.Type {
	case "null", "boolean":
		return &schemaNode{Type: r.Type}, nil
	case "number":
		return &schemaNode{Type: "number", Number: NumberConfig{
			Min: r.Min, Max: r.Max, MaxDecimals: r.MaxDecimals,
		}}, nil
	case "string":
		return &schemaNode{Type: "string", String: StringConfig{
			MaxLength: r.MaxLength, Enum: r.Enum,
		}}, nil
	case "array":
		var items *schemaNode
		if r.Items != nil {
			var err error
			items, err = compile(r.Items)
			if err != nil {
				return nil, err
			}
		}
		return &schemaNode{Type: "array", Array: ArrayConfig{
			Items: items, MinItems: r.MinItems, MaxItems: r.MaxItems,
		}}, nil
	case "object":
		props := make(map[string]*schemaNode, len(r.Properties))
		for k, v := range r.Properties {
			node, err := compile(v)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k, err)
			}
			props[k] = node
		}
		return &schemaNode{Type: "object", Object: ObjectConfig{
			Properties: props, Required: r.Required,
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported schema type %q", r.Type)
	}
}

// CompileSchema parses and compiles a JSON Schema document into its
// automaton tree. NewJSONSchema calls it, so a schema it rejects fails task
// registration.
func CompileSchema(doc []byte) (*schemaNode, error) {
	var r rawSchema
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return compile(&r)
}
