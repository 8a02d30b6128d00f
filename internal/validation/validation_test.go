package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "simple", in: "llama-7b", want: "llama-7b", errIs: nil},
		{name: "dotted", in: "notes.v2", want: "notes.v2", errIs: nil},
		{name: "empty", in: "", want: "", errIs: ErrInvalidName},
		{name: "dot", in: ".", want: "", errIs: ErrInvalidName},
		{name: "dotdot", in: "..", want: "", errIs: ErrInvalidName},
		{name: "slash", in: "a/b", want: "", errIs: ErrInvalidName},
		{name: "backslash", in: `a\b`, want: "", errIs: ErrInvalidName},
		{name: "traversal", in: "../escape", want: "", errIs: ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Name(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}
