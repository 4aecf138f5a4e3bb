package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StableAndArgSensitive(t *testing.T) {
	k1 := Key("pkg.F", []any{1, "a"}, map[string]any{"x": true, "y": 2})
	k2 := Key("pkg.F", []any{1, "a"}, map[string]any{"y": 2, "x": true})
	assert.Equal(t, k1, k2, "keyword-arg ordering must not change the key")

	k3 := Key("pkg.F", []any{1, "b"}, map[string]any{"x": true, "y": 2})
	assert.NotEqual(t, k1, k3)

	k4 := Key("pkg.G", []any{1, "a"}, map[string]any{"x": true, "y": 2})
	assert.NotEqual(t, k1, k4, "qualified name must distinguish functions")
}

func TestMemoizer_SecondCallDoesNotRecompute(t *testing.T) {
	m := NewMemoizer(NewStore(10, LRU, 0), 0)

	calls := 0
	compute := func() (any, error) {
		calls++
		return 42, nil
	}

	v, err := m.Call("pkg.F", []any{7}, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = m.Call("pkg.F", []any{7}, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls, "an equal-args call must be served from cache")

	_, err = m.Call("pkg.F", []any{8}, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "different args must recompute")
}

func TestMemoizer_ErrorsAreNotCached(t *testing.T) {
	m := NewMemoizer(NewStore(10, LRU, 0), 0)

	calls := 0
	failing := func() (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}

	_, err := m.Call("pkg.F", nil, nil, failing)
	require.Error(t, err)

	v, err := m.Call("pkg.F", nil, nil, failing)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestMemoizer_InvalidateForcesRecompute(t *testing.T) {
	m := NewMemoizer(NewStore(10, LRU, 0), 0)

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	v, err := m.Call("pkg.F", []any{"a"}, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	m.Invalidate("pkg.F", []any{"a"}, nil)

	v, err = m.Call("pkg.F", []any{"a"}, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
