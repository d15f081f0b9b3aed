package cqs

import (
	"time"

	"github.com/rs/zerolog"
)

// trashEntry is one quarantined connection with the moment it was pulled
// from rotation.
type trashEntry struct {
	conn    *Connection
	trashed time.Time
}

// hostPool owns every connection to one host: the active set, bounded by
// the host's distance class, and the trashcan of recently unhealthy
// connections kept briefly for recycling. A connection lives in exactly
// one of active, trashcan or freed.
type hostPool struct {
	host   *Host
	config *PoolConfig

	logger  zerolog.Logger
	metrics *Metrics

	// all fields below are guarded by the session's pool-structure lock,
	// which is always taken strictly outside any connection lock
	active []*Connection
	trash  []*trashEntry
	cursor int
	closed bool
}

func newHostPool(
	host *Host,
	config *PoolConfig,
	logger zerolog.Logger,
	metrics *Metrics) *hostPool {

	return &hostPool{
		host:    host,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// deficit reports how many connections must be dialed to bring the active
// set to the configured count for the given distance. At capacity it is 0.
// The dialing itself happens outside the pool-structure lock; deficit only
// does bookkeeping.
func (hp *hostPool) deficit(distance HostDistance) (int, error) {

	if distance == HostIgnored {
		return 0, ErrHostIgnored
	}
	if hp.closed {
		return 0, ErrSessionClosing
	}

	hp.pruneTrash()

	limit := hp.config.connectionCount(distance)
	if len(hp.active) >= limit {
		return 0, nil
	}
	return limit - len(hp.active), nil
}

// adopt inserts freshly dialed connections into the active set. Anything
// past the distance limit, or arriving after the pool closed, lost the
// race against a concurrent dial and is closed on the spot.
func (hp *hostPool) adopt(conns []*Connection, distance HostDistance) {

	limit := hp.config.connectionCount(distance)
	for _, conn := range conns {
		if hp.closed || len(hp.active) >= limit {
			conn.Close(ErrConnectionLost)
			continue
		}
		hp.active = append(hp.active, conn)
		hp.metrics.connOpened()
	}
}

// pick returns an active, healthy connection with free stream capacity,
// rotating a cursor so load spreads over the pool. Nil when none qualify.
func (hp *hostPool) pick() *Connection {

	count := len(hp.active)
	for i := 0; i < count; i++ {
		conn := hp.active[(hp.cursor+i)%count]
		if conn.IsDefunct() || conn.AvailableStreams() == 0 {
			continue
		}
		hp.cursor = (hp.cursor + i + 1) % count
		return conn
	}
	return nil
}

// trashcanPut moves a connection out of active rotation into the
// trashcan. It is no longer selectable but survives for the grace period
// in case the node recovers quickly.
func (hp *hostPool) trashcanPut(conn *Connection) {

	for i, active := range hp.active {
		if active == conn {
			hp.active = append(hp.active[:i], hp.active[i+1:]...)
			hp.metrics.connClosed()
			break
		}
	}

	for _, entry := range hp.trash {
		if entry.conn == conn {
			return // already quarantined
		}
	}

	hp.trash = append(hp.trash, &trashEntry{conn: conn, trashed: time.Now()})
	hp.metrics.connTrashed()
	hp.logger.Info().Str("host", hp.host.Address).Msg("connection moved to trashcan")
}

// trashcanRecycle returns a non-expired, still-healthy trashcan entry to
// active rotation, or nil when the caller must allocate fresh. Recycling
// never pushes the active set past the host's distance limit.
func (hp *hostPool) trashcanRecycle() *Connection {

	hp.pruneTrash()

	if len(hp.active) >= hp.config.connectionCount(hp.host.Distance) {
		return nil
	}

	grace := time.Duration(hp.config.TrashcanGracePeriod) * time.Second
	for i, entry := range hp.trash {
		if time.Since(entry.trashed) > grace || entry.conn.IsDefunct() {
			continue
		}

		hp.trash = append(hp.trash[:i], hp.trash[i+1:]...)
		hp.metrics.connUntrashed()

		hp.active = append(hp.active, entry.conn)
		hp.metrics.connOpened()
		hp.logger.Info().Str("host", hp.host.Address).Msg("connection recycled from trashcan")
		return entry.conn
	}

	return nil
}

// free unconditionally destroys a connection's resources and removes it
// from whichever collection holds it.
func (hp *hostPool) free(conn *Connection) error {

	for i, active := range hp.active {
		if active == conn {
			hp.active = append(hp.active[:i], hp.active[i+1:]...)
			hp.metrics.connClosed()
			conn.Close(ErrConnectionLost)
			return nil
		}
	}

	for i, entry := range hp.trash {
		if entry.conn == conn {
			hp.trash = append(hp.trash[:i], hp.trash[i+1:]...)
			hp.metrics.connUntrashed()
			conn.Close(ErrConnectionLost)
			return nil
		}
	}

	return ErrNotOwned
}

// pruneTrash frees trashcan entries past the grace period or already dead.
func (hp *hostPool) pruneTrash() {

	grace := time.Duration(hp.config.TrashcanGracePeriod) * time.Second
	kept := hp.trash[:0]
	for _, entry := range hp.trash {
		if time.Since(entry.trashed) > grace || entry.conn.IsDefunct() {
			hp.metrics.connUntrashed()
			entry.conn.Close(ErrConnectionLost)
			continue
		}
		kept = append(kept, entry)
	}
	hp.trash = kept
}

// size reports the number of active connections.
func (hp *hostPool) size() int {
	return len(hp.active)
}

// shutdown closes every connection in the pool and the trashcan, draining
// their pending requests with reason.
func (hp *hostPool) shutdown(reason error) {

	hp.closed = true

	for _, conn := range hp.active {
		hp.metrics.connClosed()
		conn.Close(reason)
	}
	hp.active = nil

	for _, entry := range hp.trash {
		hp.metrics.connUntrashed()
		entry.conn.Close(reason)
	}
	hp.trash = nil
}
