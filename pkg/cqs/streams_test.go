package cqs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSetAcquireUniqueUntilExhausted(t *testing.T) {
	const capacity = 8
	ss := newStreamSet(capacity)

	seen := make(map[int16]bool)
	for i := 0; i < capacity; i++ {
		id, err := ss.acquire()
		require.NoError(t, err)
		assert.False(t, seen[id], "stream id %d handed out twice", id)
		seen[id] = true
	}

	_, err := ss.acquire()
	assert.ErrorIs(t, err, ErrStreamsExhausted)
	assert.Equal(t, 0, ss.available())
}

func TestStreamSetReleaseMakesIdReusable(t *testing.T) {
	ss := newStreamSet(2)

	first, err := ss.acquire()
	require.NoError(t, err)
	_, err = ss.acquire()
	require.NoError(t, err)

	require.NoError(t, ss.release(first))
	assert.Equal(t, 1, ss.available())

	id, err := ss.acquire()
	require.NoError(t, err)
	assert.Equal(t, first, id)
}

func TestStreamSetDoubleReleaseFails(t *testing.T) {
	ss := newStreamSet(4)

	id, err := ss.acquire()
	require.NoError(t, err)

	require.NoError(t, ss.release(id))
	assert.ErrorIs(t, ss.release(id), ErrStreamDoubleRelease)
}

func TestStreamSetReleaseOutOfRangeFails(t *testing.T) {
	ss := newStreamSet(4)

	assert.ErrorIs(t, ss.release(-1), ErrStreamDoubleRelease)
	assert.ErrorIs(t, ss.release(4), ErrStreamDoubleRelease)
}

func TestStreamSetCursorRotates(t *testing.T) {
	ss := newStreamSet(4)

	a, err := ss.acquire()
	require.NoError(t, err)
	require.NoError(t, ss.release(a))

	// the freshly released id is not the next one reissued
	b, err := ss.acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
