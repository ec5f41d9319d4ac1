package secretstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	handle, err := s.Put(ctx, []byte("super secret"))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	got, err := s.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, []byte("super secret"), got)

	require.NoError(t, s.Delete(ctx, handle))
	_, err = s.Get(ctx, handle)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestMemoryGetReturnsCopyNotAlias(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	priv := []byte("abc")
	handle, err := s.Put(ctx, priv)
	require.NoError(t, err)

	priv[0] = 'z'
	got, err := s.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got, "mutating caller's slice after Put must not affect stored value")
}
