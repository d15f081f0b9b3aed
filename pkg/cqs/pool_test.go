package cqs

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHostPool(t *testing.T, distance HostDistance, localCount int) *hostPool {
	t.Helper()

	host := NewHost("10.0.0.1:9042", distance)
	config := &PoolConfig{
		LocalConnectionCount:  localCount,
		RemoteConnectionCount: 1,
		StreamsPerConnection:  8,
		TrashcanGracePeriod:   60,
		MaxConnectionFailures: 3,
	}

	return newHostPool(host, config, zerolog.Nop(), nil)
}

func dialPoolConn(t *testing.T, ft *fakeTransport, hp *hostPool) *Connection {
	t.Helper()

	tc, err := ft.Open(context.Background(), hp.host.Address)
	require.NoError(t, err)
	return NewConnection(hp.host, tc, NewFrameCodec(nil), hp.config.StreamsPerConnection,
		hp.config.MaxConnectionFailures, zerolog.Nop(), nil, nil)
}

// fillPool covers the deficit the way the session does: dial first, adopt
// after.
func fillPool(t *testing.T, ft *fakeTransport, hp *hostPool, distance HostDistance) {
	t.Helper()

	need, err := hp.deficit(distance)
	require.NoError(t, err)

	opened := make([]*Connection, 0, need)
	for i := 0; i < need; i++ {
		opened = append(opened, dialPoolConn(t, ft, hp))
	}
	hp.adopt(opened, distance)
}

func TestHostPoolDeficitReachesLimitAndIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	need, err := hp.deficit(HostLocal)
	require.NoError(t, err)
	assert.Equal(t, 2, need)

	fillPool(t, ft, hp, HostLocal)
	assert.Equal(t, 2, hp.size())

	need, err = hp.deficit(HostLocal)
	require.NoError(t, err)
	assert.Zero(t, need, "deficit at capacity must be zero")
	assert.Equal(t, 2, hp.size())
}

func TestHostPoolIgnoredDistanceFails(t *testing.T) {
	hp := newTestHostPool(t, HostIgnored, 2)

	_, err := hp.deficit(HostIgnored)
	assert.ErrorIs(t, err, ErrHostIgnored)
	assert.Equal(t, 0, hp.size())
}

func TestHostPoolAdoptClosesOverflow(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	// three dials raced for a deficit of two
	raced := []*Connection{
		dialPoolConn(t, ft, hp),
		dialPoolConn(t, ft, hp),
		dialPoolConn(t, ft, hp),
	}
	hp.adopt(raced, HostLocal)

	assert.Equal(t, 2, hp.size())
	fcs := ft.connsFor(hp.host.Address)
	require.Len(t, fcs, 3)
	assert.True(t, fcs[2].wasClosed(), "the losing dial must be closed, not leaked")

	// adoption after shutdown keeps nothing
	hp.shutdown(ErrSessionClosing)
	late := dialPoolConn(t, ft, hp)
	hp.adopt([]*Connection{late}, HostLocal)
	assert.Equal(t, 0, hp.size())
	assert.True(t, late.IsDefunct())
}

func TestHostPoolSizeNeverExceedsLimit(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	fillPool(t, ft, hp, HostLocal)

	// churn: trash one, refill, free one, refill
	hp.trashcanPut(hp.active[0])
	assert.LessOrEqual(t, hp.size(), 2)

	fillPool(t, ft, hp, HostLocal)
	assert.LessOrEqual(t, hp.size(), 2)

	require.NoError(t, hp.free(hp.active[0]))
	fillPool(t, ft, hp, HostLocal)
	assert.LessOrEqual(t, hp.size(), 2)

	// trashcan entries never count toward the active limit
	assert.LessOrEqual(t, len(hp.trash), 1)
}

func TestHostPoolTrashcanRecycle(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	fillPool(t, ft, hp, HostLocal)

	trashed := hp.active[0]
	hp.trashcanPut(trashed)
	assert.Equal(t, 1, hp.size())

	recycled := hp.trashcanRecycle()
	require.NotNil(t, recycled)
	assert.Same(t, trashed, recycled, "healthy trashcan entry should be reused")
	assert.Equal(t, 2, hp.size())

	// nothing left to recycle
	assert.Nil(t, hp.trashcanRecycle())
}

func TestHostPoolRecycleSkipsDefunctAndExpired(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	fillPool(t, ft, hp, HostLocal)

	dead := hp.active[0]
	hp.trashcanPut(dead)
	dead.Close(ErrConnectionLost)

	assert.Nil(t, hp.trashcanRecycle(), "defunct connection must not be recycled")
	assert.Empty(t, hp.trash, "dead entry should have been pruned")

	stale := hp.active[0]
	hp.trashcanPut(stale)
	hp.trash[0].trashed = time.Now().Add(-2 * time.Hour)

	assert.Nil(t, hp.trashcanRecycle(), "expired entry must not be recycled")
	assert.Empty(t, hp.trash)
}

func TestHostPoolRecycleRespectsLimit(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 1)
	defer hp.shutdown(ErrSessionClosing)

	fillPool(t, ft, hp, HostLocal)

	hp.trashcanPut(hp.active[0])
	fillPool(t, ft, hp, HostLocal)
	require.Equal(t, 1, hp.size())

	assert.Nil(t, hp.trashcanRecycle(), "recycle must not exceed the distance limit")
	assert.Equal(t, 1, hp.size())
}

func TestHostPoolFreeRemovesFromEitherCollection(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	fillPool(t, ft, hp, HostLocal)

	active := hp.active[0]
	require.NoError(t, hp.free(active))
	assert.Equal(t, 1, hp.size())

	trashed := hp.active[0]
	hp.trashcanPut(trashed)
	require.NoError(t, hp.free(trashed))
	assert.Empty(t, hp.trash)

	// freeing again: the pool no longer owns it
	assert.ErrorIs(t, hp.free(trashed), ErrNotOwned)
}

func TestHostPoolPickSkipsBusyAndDefunct(t *testing.T) {
	defer leaktest.Check(t)()

	ft := newFakeTransport()
	ft.setBehavior("10.0.0.1:9042", respondSilence)
	hp := newTestHostPool(t, HostLocal, 2)
	defer hp.shutdown(ErrSessionClosing)

	fillPool(t, ft, hp, HostLocal)

	// exhaust the first connection's streams
	first := hp.active[0]
	for i := 0; i < 8; i++ {
		_, err := first.Send(newPendingRequest(&Request{Kind: KindQuery}))
		require.NoError(t, err)
	}

	picked := hp.pick()
	require.NotNil(t, picked)
	assert.NotSame(t, first, picked)

	// kill the second as well: nothing pickable remains
	hp.active[1].Close(ErrConnectionLost)
	hp.active[0].Close(ErrConnectionLost)
	assert.Nil(t, hp.pick())
}
