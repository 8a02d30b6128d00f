package biaser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/tokenizer"
)

func TestNullBiaserAlwaysAll(t *testing.T) {
	var b Null
	require.Equal(t, All, b.Admissible().Kind)
	require.NoError(t, b.Advance(42))
}

func TestJSONSchemaBooleanCompleteness(t *testing.T) {
	tok := tokenizer.NewFake()
	b, err := NewJSONSchema([]byte(`{"type":"boolean"}`), tok, true)
	require.NoError(t, err)

	adm := b.Admissible()
	require.Equal(t, Only, adm.Kind)
	require.True(t, adm.Tokens[int32('t')])
	require.True(t, adm.Tokens[int32('f')])
	require.False(t, adm.Tokens[int32('x')])

	for _, by := range []byte("true") {
		adm = b.Admissible()
		require.Equal(t, Only, adm.Kind, "expected a constrained token set while producing 'true'")
		require.True(t, adm.Tokens[int32(by)])
		require.NoError(t, b.Advance(int32(by)))
	}

	adm = b.Admissible()
	require.Equal(t, None, adm.Kind, "a complete boolean admits nothing further")
	require.False(t, b.Stuck(), "stopping after a complete value is success, not BiaserStuck")
}

func TestJSONSchemaNullLiteral(t *testing.T) {
	tok := tokenizer.NewFake()
	b, err := NewJSONSchema([]byte(`{"type":"null"}`), tok, true)
	require.NoError(t, err)

	for _, by := range []byte("null") {
		adm := b.Admissible()
		require.Len(t, adm.Tokens, 1)
		require.NoError(t, b.Advance(int32(by)))
	}
	require.Equal(t, None, b.Admissible().Kind)
}

func TestJSONSchemaStringEnum(t *testing.T) {
	tok := tokenizer.NewFake()
	b, err := NewJSONSchema([]byte(`{"type":"string","enum":["benzine","diesel"]}`), tok, true)
	require.NoError(t, err)

	require.NoError(t, b.Advance('"'))
	require.NoError(t, b.Advance('d'))
	adm := b.Admissible()
	require.True(t, adm.Tokens[int32('i')])
	require.False(t, adm.Tokens[int32('b')], "b is no longer a legal continuation once d has been emitted")
}

func TestJSONSchemaObjectRequiredProperties(t *testing.T) {
	tok := tokenizer.NewFake()
	schema := []byte(`{
		"type":"object",
		"properties": {"a": {"type":"boolean"}, "b": {"type":"null"}},
		"required": ["a","b"]
	}`)
	b, err := NewJSONSchema(schema, tok, true)
	require.NoError(t, err)

	feed := func(s string) {
		for _, by := range []byte(s) {
			require.NoError(t, b.Advance(int32(by)))
		}
	}
	feed(`{"a":true,"b":null`)
	adm := b.Admissible()
	require.True(t, adm.Tokens[int32('}')], "object should close once every required key is emitted")
	require.NoError(t, b.Advance('}'))
	require.Equal(t, None, b.Admissible().Kind)
}

func TestJSONSchemaNumberRange(t *testing.T) {
	tok := tokenizer.NewFake()
	schema := []byte(`{"type":"number","max":99}`)
	b, err := NewJSONSchema(schema, tok, true)
	require.NoError(t, err)

	require.NoError(t, b.Advance('9'))
	adm := b.Admissible()
	require.True(t, adm.Tokens[int32('9')], "99 is still within range")

	b2, err := NewJSONSchema(schema, tok, true)
	require.NoError(t, err)
	require.NoError(t, b2.Advance('1'))
	require.NoError(t, b2.Advance('0'))
	adm2 := b2.Admissible()
	require.False(t, adm2.Tokens[int32('0')], "100 would already exceed max=99")
}

func TestJSONSchemaNumberMinPrunesUnreachablePrefixes(t *testing.T) {
	tok := tokenizer.NewFake()
	b, err := NewJSONSchema([]byte(`{"type":"number","min":5}`), tok, true)
	require.NoError(t, err)

	adm := b.Admissible()
	require.False(t, adm.Tokens[int32('0')], "0.xxx can never reach min=5")
	require.False(t, adm.Tokens[int32('-')], "no negative number can reach min=5")
	require.True(t, adm.Tokens[int32('4')], "4 can still become 40")
	require.True(t, adm.Tokens[int32('5')])

	require.NoError(t, b.Advance('4'))
	adm = b.Admissible()
	require.False(t, adm.Tokens[int32('.')], "4.xxx stays below 5")
	require.True(t, adm.Tokens[int32('0')], "40 satisfies min=5")

	require.NoError(t, b.Advance('0'))
	require.True(t, b.cur.accepting(), "40 already satisfies min=5")
}

func TestJSONSchemaNumberMaxPrunesAfterDecimalPoint(t *testing.T) {
	tok := tokenizer.NewFake()
	b, err := NewJSONSchema([]byte(`{"type":"number","max":1}`), tok, true)
	require.NoError(t, err)

	require.NoError(t, b.Advance('1'))
	require.NoError(t, b.Advance('.'))
	adm := b.Admissible()
	require.True(t, adm.Tokens[int32('0')], "1.0 equals max=1")
	require.False(t, adm.Tokens[int32('5')], "1.5xxx can only exceed max=1")
	require.False(t, adm.Tokens[int32('9')], "1.9xxx can only exceed max=1")

	require.NoError(t, b.Advance('0'))
	adm = b.Admissible()
	require.False(t, adm.Tokens[int32('1')], "1.01 already exceeds max=1")
	require.True(t, adm.Tokens[int32('0')], "1.00 still equals max=1")
}
