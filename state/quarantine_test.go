package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchClearRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Latched("postgres", "app", "users")
	assert.False(t, ok)

	require.NoError(t, s.Latch("postgres", "app", "users", "DDL failed: permission denied"))

	latch, ok := s.Latched("postgres", "app", "users")
	require.True(t, ok)
	assert.Equal(t, "DDL failed: permission denied", latch.Reason)
	assert.False(t, latch.LatchedAt.IsZero())

	// Other destinations are unaffected.
	_, ok = s.Latched("clickhouse", "app", "users")
	assert.False(t, ok)

	cleared, err := s.Clear("postgres", "app", "users")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = s.Clear("postgres", "app", "users")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestLatchesSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Latch("clickhouse", "app", "orders", "incompatible alter"))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	latch, ok := s.Latched("clickhouse", "app", "orders")
	require.True(t, ok)
	assert.Equal(t, "incompatible alter", latch.Reason)
	assert.Len(t, s.List(), 1)
}
