package ep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministicAcrossMapKeyOrder(t *testing.T) {
	a := map[string]int{"b": 2, "a": 1, "c": 3}
	b := map[string]int{"c": 3, "a": 1, "b": 2}

	rawA, err := marshal(a)
	require.NoError(t, err)
	rawB, err := marshal(b)
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)
}
