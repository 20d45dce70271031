package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryProviderSaveAndGet(t *testing.T) {
	t.Parallel()

	m := NewMemoryProvider()
	require.NoError(t, m.Save(context.Background(), "scripts/abc123.js", []byte("function f(){}")))

	got, ok := m.Get("scripts/abc123.js")
	require.True(t, ok)
	require.Equal(t, []byte("function f(){}"), got)
	require.Equal(t, 1, m.Len())

	_, ok = m.Get("scripts/missing.js")
	require.False(t, ok)
}

func TestMemoryProviderCopiesData(t *testing.T) {
	t.Parallel()

	m := NewMemoryProvider()
	src := []byte("v1")
	require.NoError(t, m.Save(context.Background(), "k", src))
	src[0] = 'X'

	got, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got)
}
