package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionDefaultsToDev(t *testing.T) {
	require.Equal(t, "dev", Version)
}

func TestVersionIsLDFlagsSettable(t *testing.T) {
	prev := Version
	defer func() { Version = prev }()

	Version = "v0.3.1"
	require.Equal(t, "v0.3.1", Version)
}
