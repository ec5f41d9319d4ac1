package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	B int    `json:"b"`
	A string `json:"a"`
}

func TestMarshalIsDeterministicallyOrdered(t *testing.T) {
	b, err := Marshal(sample{B: 2, A: "x"})
	require.NoError(t, err)
	require.Equal(t, `{"a":"x","b":2}`, string(b))
}

func TestRoundTripIsIdempotent(t *testing.T) {
	original, err := Marshal(sample{B: 7, A: "hello"})
	require.NoError(t, err)

	var parsed sample
	require.NoError(t, Unmarshal(original, &parsed))

	again, err := Marshal(parsed)
	require.NoError(t, err)

	require.Equal(t, original, again)
}

func TestHashAndLength(t *testing.T) {
	length, hash, err := HashAndLength(sample{B: 1, A: "y"})
	require.NoError(t, err)
	require.Equal(t, int64(len(`{"a":"y","b":1}`)), length)
	require.Len(t, hash, 64)
}
