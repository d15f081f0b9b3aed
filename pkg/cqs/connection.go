package cqs

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Connection is one multiplexed link to one node. It owns the stream id
// set and the table of pending requests, and guarantees every acquired
// stream id exactly one completion. A connection has exactly one owner at
// any time, its host pool, and ownership moves explicitly between the
// pool's active slots, the trashcan and freed.
type Connection struct {
	host  *Host
	tc    TransportConn
	codec FrameCodec

	lock     sync.Mutex
	streams  *streamSet
	pending  map[int16]*pendingRequest
	failures int
	defunct  bool
	closed   bool

	maxFailures int
	onDefunct   func(*Connection)
	logger      zerolog.Logger
	metrics     *Metrics

	done chan struct{}
}

// NewConnection wraps an open transport link. The dispatch loop starts
// immediately; onDefunct fires at most once, off every internal lock, when
// the connection self-reports unhealthy.
func NewConnection(
	host *Host,
	tc TransportConn,
	codec FrameCodec,
	streamCount int,
	maxFailures int,
	logger zerolog.Logger,
	metrics *Metrics,
	onDefunct func(*Connection)) *Connection {

	if maxFailures <= 0 {
		maxFailures = defaultMaxConnectionFailures
	}

	c := &Connection{
		host:        host,
		tc:          tc,
		codec:       codec,
		streams:     newStreamSet(streamCount),
		pending:     make(map[int16]*pendingRequest),
		maxFailures: maxFailures,
		onDefunct:   onDefunct,
		logger:      logger,
		metrics:     metrics,
		done:        make(chan struct{}),
	}

	go c.dispatch()

	return c
}

// Host returns the node this connection is linked to.
func (c *Connection) Host() *Host {
	return c.host
}

// IsDefunct reports whether the connection has self-reported unhealthy or
// lost its transport.
func (c *Connection) IsDefunct() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.defunct
}

// AvailableStreams reports how many stream ids are currently free.
func (c *Connection) AvailableStreams() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.streams.available()
}

// Send acquires a stream id, records the pending request under it and
// hands the framed request to the transport. On a send error the pending
// request is NOT completed; the id is reclaimed and completion
// responsibility stays with the caller, which still holds pr.
func (c *Connection) Send(pr *pendingRequest) (int16, error) {

	c.lock.Lock()
	if c.defunct || c.closed {
		c.lock.Unlock()
		return 0, ErrConnectionLost
	}

	id, err := c.streams.acquire()
	if err != nil {
		c.lock.Unlock()
		return 0, fmt.Errorf("%s: %w", c.host.Address, ErrNoCapacity)
	}

	c.pending[id] = pr
	c.lock.Unlock()

	data, err := c.codec.EncodeRequest(pr.Request, id)
	if err != nil {
		c.abandon(id, pr)
		return 0, err
	}

	if err := c.tc.Write(data); err != nil {
		c.abandon(id, pr)
		c.RecordFailure()
		return 0, fmt.Errorf("write to %s failed: %w", c.host.Address, ErrConnectionLost)
	}

	return id, nil
}

// Expire completes the pending request with a timeout and releases its id,
// unless a response won the race. Safe to call after completion.
func (c *Connection) Expire(id int16, pr *pendingRequest) {

	c.lock.Lock()
	current, ok := c.pending[id]
	if !ok || current != pr {
		c.lock.Unlock()
		return
	}
	delete(c.pending, id)
	_ = c.streams.release(id)
	c.lock.Unlock()

	c.metrics.timeout()
	pr.fail(fmt.Errorf("%s: %w", c.host.Address, ErrTimeout))
	c.RecordFailure()
}

// RecordFailure bumps the rolling error count. Crossing the threshold
// marks the connection defunct and notifies the owner, independent of any
// individual request outcome.
func (c *Connection) RecordFailure() {

	c.lock.Lock()
	c.failures++
	crossed := !c.defunct && c.failures >= c.maxFailures
	if crossed {
		c.defunct = true
	}
	c.lock.Unlock()

	if crossed {
		c.logger.Warn().
			Str("host", c.host.Address).
			Int("failures", c.maxFailures).
			Msg("connection self-reported defunct")
		if c.onDefunct != nil {
			c.onDefunct(c)
		}
	}
}

// Close tears the connection down, failing every outstanding pending
// request with reason. Idempotent.
func (c *Connection) Close(reason error) {
	if reason == nil {
		reason = ErrConnectionLost
	}
	c.closeWith(reason, false)
}

// abandon removes a pending entry whose send never reached the wire.
func (c *Connection) abandon(id int16, pr *pendingRequest) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if current, ok := c.pending[id]; ok && current == pr {
		delete(c.pending, id)
		_ = c.streams.release(id)
	}
}

// dispatch funnels transport events into the stream table. It is the only
// goroutine reading from the transport channels.
func (c *Connection) dispatch() {

	for {
		select {
		case data, ok := <-c.tc.Incoming():
			if !ok {
				c.closeWith(ErrConnectionLost, true)
				return
			}

			frame, err := c.codec.DecodeFrame(data)
			if err != nil {
				c.metrics.protocolViolation()
				c.logger.Warn().
					Str("host", c.host.Address).
					Err(err).
					Msg("dropping undecodable frame")
				c.RecordFailure()
				continue
			}

			if frame.Op == OpError {
				c.onError(frame)
			} else {
				c.onResponse(frame)
			}

		case err, ok := <-c.tc.Closed():
			if !ok || err == nil {
				err = ErrConnectionLost
			}
			c.closeWith(fmt.Errorf("%s: %v: %w", c.host.Address, err, ErrConnectionLost), true)
			return

		case <-c.done:
			return
		}
	}
}

// onResponse completes the matching pending request with success. A
// response with no matching entry is stale or duplicated; that is a
// protocol violation, logged but never fatal to the connection.
func (c *Connection) onResponse(frame *Frame) {

	c.lock.Lock()
	pr, ok := c.pending[frame.Stream]
	if !ok {
		c.lock.Unlock()
		c.metrics.protocolViolation()
		c.logger.Warn().
			Str("host", c.host.Address).
			Int16("stream", frame.Stream).
			Msg("response for unknown stream id")
		return
	}
	delete(c.pending, frame.Stream)
	_ = c.streams.release(frame.Stream)
	c.lock.Unlock()

	pr.succeed(resultFromFrame(pr.Request, frame))
}

// onError completes the matching pending request with the node-reported
// failure. The stream id is released before completion so a retry
// elsewhere never reuses an id still outstanding here.
func (c *Connection) onError(frame *Frame) {

	c.lock.Lock()
	pr, ok := c.pending[frame.Stream]
	if !ok {
		c.lock.Unlock()
		c.metrics.protocolViolation()
		c.logger.Warn().
			Str("host", c.host.Address).
			Int16("stream", frame.Stream).
			Msg("error for unknown stream id")
		return
	}
	delete(c.pending, frame.Stream)
	_ = c.streams.release(frame.Stream)
	c.lock.Unlock()

	pr.fail(&ServerError{Code: frame.ErrCode, Message: frame.ErrText})
	c.RecordFailure()
}

// closeWith is the single teardown path: collect every pending request
// under the lock, release their ids, then complete them all outside the
// lock with the given reason.
func (c *Connection) closeWith(reason error, fromDispatch bool) {

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	c.defunct = true

	drained := make([]*pendingRequest, 0, len(c.pending))
	for id, pr := range c.pending {
		drained = append(drained, pr)
		_ = c.streams.release(id)
	}
	c.pending = make(map[int16]*pendingRequest)
	c.lock.Unlock()

	close(c.done)
	_ = c.tc.Close()

	for _, pr := range drained {
		pr.fail(reason)
	}

	if fromDispatch && c.onDefunct != nil {
		c.onDefunct(c)
	}
}
