package biaser

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"kiln/internal/kilnerr"
	"kiln/internal/tokenizer"
)

// ErrRejected is returned by Advance when tokenID was not a member of the
// set most recently returned by Admissible(). A correctly written task
// runner never triggers it, since it always samples from that set.
var ErrRejected = errors.New("biaser: token rejected")

// Kind classifies an Admissibility result.
type Kind int

const (
	// All means every vocabulary token is admissible.
	All Kind = iota
	// Only means exactly the tokens in Tokens are admissible.
	Only
	// None means generation must terminate immediately.
	None
)

// Admissibility is the result of one Admissible() call.
type Admissibility struct {
	Kind   Kind
	Tokens map[int32]bool
}

// Biaser constrains generation token by token: Admissible reports which
// next tokens are legal, Advance commits one of them.
type Biaser interface {
	Admissible() Admissibility
	Advance(tokenID int32) error
	// Stuck reports whether a None admissibility result is a fatal dead end
	// (non-accepting, no continuation) rather than a clean stop.
	Stuck() bool
}

// Null is the trivial biaser: every token is always admissible, so it can
// never land in a None/dead-end state.
type Null struct{}

func (Null) Admissible() Admissibility { return Admissibility{Kind: All} }
func (Null) Advance(int32) error       { return nil }
func (Null) Stuck() bool               { return false }

// JSONSchema is the JSON-Schema-driven biaser. It pairs a compiled schema
// automaton with a byte-trie over the tokenizer's vocabulary so each
// Admissible() call costs O(|accepted prefix|) rather than O(|vocab|).
type JSONSchema struct {
	tok     tokenizer.View
	trie    *tokenizer.ByteTrie
	root    *schemaNode
	compact bool
	cur     frame
}

// NewJSONSchema compiles schemaDoc and builds the vocabulary trie for tok.
// It also validates schemaDoc is itself a well-formed JSON Schema document
// using santhosh-tekuri/jsonschema as an independent precompilation check.
func NewJSONSchema(schemaDoc []byte, tok tokenizer.View, compact bool) (*JSONSchema, error) {
	if err := validateSchemaDocument(schemaDoc); err != nil {
		return nil, kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "biaser schema: %v", err)
	}
	root, err := CompileSchema(schemaDoc)
	if err != nil {
		return nil, kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "compile biaser schema: %v", err)
	}
	b := &JSONSchema{
		tok:     tok,
		trie:    tokenizer.BuildByteTrie(tok),
		root:    root,
		compact: compact,
	}
	b.cur = newFrame(root, compact)
	return b, nil
}

// validateSchemaDocument checks schemaDoc is itself valid against the JSON
// Schema meta-schema, catching malformed task configuration early.
func validateSchemaDocument(schemaDoc []byte) error {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	const resourceName = "kiln-biaser-schema.json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("add resource: %w", err)
	}
	if _, err := c.Compile(resourceName); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	return nil
}

// stepperAdapter adapts one biaser frame to tokenizer.Stepper so the byte
// trie can drive it directly.
type stepperAdapter struct{ f frame }

func (s stepperAdapter) TryByte(b byte) bool { return s.f.tryByte(b) }
func (s stepperAdapter) Untry()              { s.f.untry() }

func (b *JSONSchema) Admissible() Admissibility {
	ids := b.trie.WalkAdmissible(stepperAdapter{b.cur})
	if len(ids) == 0 {
		return Admissibility{Kind: None}
	}
	set := make(map[int32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return Admissibility{Kind: Only, Tokens: set}
}

// Stuck reports whether the automaton is in a non-accepting dead end with
// no admissible continuation — the BiaserStuck fatal condition.
func (b *JSONSchema) Stuck() bool {
	return !b.cur.accepting() && len(b.trie.WalkAdmissible(stepperAdapter{b.cur})) == 0
}

func (b *JSONSchema) Advance(tokenID int32) error {
	tb := b.tok.TokenBytes(tokenID)
	committed := 0
	for _, by := range tb {
		if !b.cur.tryByte(by) {
			for ; committed > 0; committed-- {
				b.cur.untry()
			}
			return fmt.Errorf("token %d rejected at byte %d: %w", tokenID, committed, ErrRejected)
		}
		committed++
	}
	return nil
}
