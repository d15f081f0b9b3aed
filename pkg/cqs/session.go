package cqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"
)

const (
	stateInitializing int32 = iota
	stateReady
	stateClosing
	stateClosed
)

// Session coordinates every per-host pool: it executes the
// connect/query/prepare/execute protocol against a query plan, applies the
// retry policy on failure and serializes pool mutation.
//
// Lock discipline: poolLock (pool structure: create pool, move a
// connection between active/trashcan/freed) is always taken strictly
// outside any per-connection lock. Nothing under poolLock ever waits on a
// pending request.
type Session struct {
	config    *ClusterConfig
	transport Transport
	codec     FrameCodec
	policy    LoadBalancingPolicy
	retry     RetryPolicy
	logger    zerolog.Logger
	metrics   *Metrics

	hosts cmap.ConcurrentMap // address -> *Host
	pools cmap.ConcurrentMap // address -> *hostPool

	poolLock sync.Mutex

	state   int32
	defunct int32
	seq     uint64 // diagnostics only

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
	bg             sync.WaitGroup
}

// NewSession builds a session with the default transport, codec and
// policies and connects it to the config's contact points.
func NewSession(config *ClusterConfig) (*Session, error) {
	return NewSessionWithPolicies(config, nil, nil)
}

// NewSessionWithPolicies builds a session with custom load-balancing and
// retry policies. Nil policies fall back to round-robin and the default
// retry policy.
func NewSessionWithPolicies(config *ClusterConfig, lb LoadBalancingPolicy, retry RetryPolicy) (*Session, error) {

	config.fillDefaults()
	transport := NewNetTransport(
		time.Duration(config.PoolConfig.ConnectTimeout)*time.Second,
		config.TLSConfig)

	return NewSessionCustom(config, transport, NewFrameCodec(config.CompressionConfig), lb, retry, zerolog.Nop(), nil)
}

// NewSessionCustom is the fully explicit constructor. All the other
// constructors funnel here.
func NewSessionCustom(
	config *ClusterConfig,
	transport Transport,
	codec FrameCodec,
	lb LoadBalancingPolicy,
	retry RetryPolicy,
	logger zerolog.Logger,
	metrics *Metrics) (*Session, error) {

	if config == nil {
		return nil, errors.New("session config can't be nil")
	}
	config.fillDefaults()

	if len(config.ContactPoints) == 0 {
		return nil, errors.New("session config carries no contact points")
	}
	if transport == nil {
		return nil, errors.New("session transport can't be nil")
	}
	if codec == nil {
		codec = NewFrameCodec(config.CompressionConfig)
	}
	if lb == nil {
		lb = NewRoundRobinPolicy()
	}
	if retry == nil {
		retry = DefaultRetryPolicy{}
	}

	s := &Session{
		config:         config,
		transport:      transport,
		codec:          codec,
		policy:         lb,
		retry:          retry,
		logger:         logger,
		metrics:        metrics,
		hosts:          cmap.New(),
		pools:          cmap.New(),
		shutdownSignal: make(chan struct{}),
	}

	for _, address := range config.ContactPoints {
		s.hosts.Set(address, NewHost(address, HostLocal))
	}
	s.policy.SetHosts(s.knownHosts())

	if err := s.init(); err != nil {
		return nil, err
	}

	if config.PoolConfig.ReplenishInterval > 0 {
		s.bg.Add(1)
		go s.replenisher(time.Duration(config.PoolConfig.ReplenishInterval) * time.Second)
	}
	if config.PoolConfig.Heartbeat > 0 {
		s.bg.Add(1)
		go s.heartbeats(time.Duration(config.PoolConfig.Heartbeat) * time.Second)
	}

	return s, nil
}

// init brings up the first usable connection. Failure to reach any
// contact point is unrecoverable: the session is marked defunct and never
// resurrected.
func (s *Session) init() error {

	plan := s.policy.NewQueryPlan(nil)
	tried := make([]string, 0, len(s.config.ContactPoints))

	_, err := s.Connect(plan, &tried)
	if err != nil {
		atomic.StoreInt32(&s.defunct, 1)
		atomic.StoreInt32(&s.state, stateClosed)
		return fmt.Errorf("session startup failed, tried %v: %w", tried, err)
	}

	atomic.StoreInt32(&s.state, stateReady)
	s.logger.Info().Strs("tried", tried).Msg("session ready")
	return nil
}

// Connect walks the query plan and returns the first usable connection,
// appending every attempted host to triedHosts. Allocation is tried
// first, then the host's trashcan.
func (s *Session) Connect(plan QueryPlan, triedHosts *[]string) (*Connection, error) {

	for {
		if s.isShutdown() {
			return nil, ErrSessionClosing
		}

		host, ok := plan.Next()
		if !ok {
			return nil, ErrNoHostAvailable
		}
		if triedHosts != nil {
			*triedHosts = append(*triedHosts, host.Address)
		}

		conn, err := s.connectionForHost(host)
		if err != nil {
			if errors.Is(err, ErrSessionClosing) {
				return nil, err
			}
			s.logger.Debug().Str("host", host.Address).Err(err).Msg("host yielded no connection")
			continue
		}
		return conn, nil
	}
}

// Execute routes one request through the load-balancing plan and resolves
// the returned future exactly once.
func (s *Session) Execute(req *Request) *ResultFuture {

	fut := newResultFuture()

	if s.Defunct() {
		fut.fail(ErrSessionDefunct)
		return fut
	}
	if s.isShutdown() {
		fut.fail(ErrSessionClosing)
		return fut
	}

	atomic.AddUint64(&s.seq, 1)
	s.metrics.request()

	go s.dispatch(req, fut)

	return fut
}

// Query is shorthand for executing a plain query string.
func (s *Session) Query(query string, consistency Consistency, values ...[]byte) *ResultFuture {
	return s.Execute(&Request{Kind: KindQuery, Query: query, Consistency: consistency, Values: values})
}

// Prepare asks the cluster to prepare a statement and resolves to a
// reusable handle.
func (s *Session) Prepare(query string) *PreparedFuture {
	return &PreparedFuture{
		inner: s.Execute(&Request{Kind: KindPrepare, Query: query}),
		query: query,
	}
}

// ExecutePrepared executes a previously prepared handle with bound values.
func (s *Session) ExecutePrepared(handle *PreparedHandle, consistency Consistency, values ...[]byte) *ResultFuture {
	return s.Execute(&Request{
		Kind:        KindExecute,
		PreparedID:  handle.ID,
		Query:       handle.Query,
		Consistency: consistency,
		Values:      values,
	})
}

// dispatch drives one request to a terminal outcome: at most RetryCeiling
// attempts, each on a fresh stream id, moving between hosts as the retry
// policy directs.
func (s *Session) dispatch(req *Request, fut *ResultFuture) {

	plan := s.policy.NewQueryPlan(req)
	tried := make([]string, 0, 4)
	timeout := s.requestTimeout(req)
	ceiling := s.config.RequestConfig.RetryCeiling

	var conn *Connection
	var host *Host

	for attempt := 0; attempt < ceiling; attempt++ {
		if attempt > 0 {
			s.metrics.retry()
		}

		if conn == nil || conn.IsDefunct() {
			var err error
			conn, err = s.Connect(plan, &tried)
			if err != nil {
				fut.fail(err)
				return
			}
			host = conn.Host()
		}

		result, err := s.attempt(conn, req, timeout)
		if err == nil {
			s.markHost(host, nil)
			fut.succeed(result)
			return
		}

		if errors.Is(err, ErrSessionClosing) || errors.Is(err, ErrSessionDefunct) {
			fut.fail(err)
			return
		}

		s.markHost(host, err)

		if errors.Is(err, ErrConnectionLost) {
			s.quarantine(conn)
			conn = nil
		}

		// Stream exhaustion moves to another connection transparently,
		// still bounded by the attempt ceiling.
		if errors.Is(err, ErrNoCapacity) {
			conn = s.hostConnection(host)
			continue
		}

		decision := s.consult(req, err, attempt, tried)
		s.logger.Debug().
			Str("host", host.Address).
			Int("attempt", attempt).
			Stringer("decision", decision).
			Err(err).
			Msg("request attempt failed")

		switch decision {
		case Rethrow:
			fut.fail(err)
			return
		case Ignore:
			fut.succeed(&Result{Op: OpResult})
			return
		case RetrySameHost:
			if conn == nil || conn.IsDefunct() {
				conn = s.hostConnection(host)
			}
		case RetryNextHost:
			conn = nil
		}
	}

	fut.fail(fmt.Errorf("after %d attempts: %w", ceiling, ErrRetryLimitExceeded))
}

// attempt performs a single send and waits for its terminal outcome,
// expiring the stream id if the deadline passes first. A retry never
// reuses the stream id of a previous attempt.
func (s *Session) attempt(conn *Connection, req *Request, timeout time.Duration) (*Result, error) {

	pr := newPendingRequest(req)

	id, err := conn.Send(pr)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pr.Done():
	case <-timer.C:
		conn.Expire(id, pr)
		<-pr.Done()
	case <-s.shutdownSignal:
		// Close drains every connection; wait for this request's drain.
		<-pr.Done()
	}

	return pr.Outcome()
}

// consult maps the failure to the matching retry-policy hook. Server
// errors outside the retryable classes are rethrown as-is.
func (s *Session) consult(req *Request, err error, attempt int, tried []string) RetryDecision {

	ctx := &RetryContext{
		Request:     req,
		Attempt:     attempt,
		TriedHosts:  tried,
		Consistency: req.Consistency,
		Err:         err,
	}

	switch {
	case IsReadTimeout(err) || errors.Is(err, ErrTimeout):
		return s.retry.OnReadTimeout(ctx)
	case IsWriteTimeout(err):
		return s.retry.OnWriteTimeout(ctx)
	case IsUnavailable(err):
		return s.retry.OnUnavailable(ctx)
	case errors.Is(err, ErrConnectionLost):
		return s.retry.OnConnectionError(ctx)
	default:
		return Rethrow
	}
}

// connectionForHost resolves a usable connection for one host: top up the
// pool, pick an active connection, fall back to the trashcan.
func (s *Session) connectionForHost(host *Host) (*Connection, error) {

	pool, openErr := s.topUp(host)
	if pool == nil {
		return nil, openErr
	}

	s.poolLock.Lock()
	defer s.poolLock.Unlock()

	if conn := pool.pick(); conn != nil {
		return conn, nil
	}
	if conn := pool.trashcanRecycle(); conn != nil {
		return conn, nil
	}

	if openErr != nil {
		return nil, openErr
	}
	return nil, fmt.Errorf("%s: %w", host.Address, ErrNoCapacity)
}

// topUp brings the host's pool to capacity. Dials run outside the
// pool-structure lock so a slow handshake never stalls concurrent
// dispatch or Close; adopt resolves any race against the limit. A nil
// pool means the host cannot be served at all right now.
func (s *Session) topUp(host *Host) (*hostPool, error) {

	s.poolLock.Lock()
	if s.isShutdown() {
		s.poolLock.Unlock()
		return nil, ErrSessionClosing
	}
	pool := s.poolForLocked(host)
	need, err := pool.deficit(host.Distance)
	s.poolLock.Unlock()

	if err != nil {
		return nil, err
	}

	opened := make([]*Connection, 0, need)
	var openErr error
	for i := 0; i < need; i++ {
		conn, dialErr := s.openConnection(host)
		if dialErr != nil {
			openErr = dialErr
			break
		}
		opened = append(opened, conn)
	}

	s.poolLock.Lock()
	pool.adopt(opened, host.Distance)
	s.poolLock.Unlock()

	return pool, openErr
}

// hostConnection is connectionForHost without error detail, for retry
// paths that fall through to the next host on nil.
func (s *Session) hostConnection(host *Host) *Connection {
	conn, err := s.connectionForHost(host)
	if err != nil {
		return nil
	}
	return conn
}

func (s *Session) poolForLocked(host *Host) *hostPool {

	if existing, ok := s.pools.Get(host.Address); ok {
		return existing.(*hostPool)
	}

	pool := newHostPool(host, s.config.PoolConfig, s.logger, s.metrics)
	s.pools.Set(host.Address, pool)
	return pool
}

// openConnection dials and wraps one transport link. The transport's Open
// covers any protocol handshake; a returned link is ready for requests.
func (s *Session) openConnection(host *Host) (*Connection, error) {

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.config.PoolConfig.ConnectTimeout)*time.Second)
	defer cancel()

	tc, err := s.transport.Open(ctx, host.Address)
	if err != nil {
		return nil, err
	}

	return NewConnection(
		host,
		tc,
		s.codec,
		s.config.PoolConfig.StreamsPerConnection,
		s.config.PoolConfig.MaxConnectionFailures,
		s.logger,
		s.metrics,
		s.quarantine), nil
}

// quarantine moves a self-reported defunct connection into its host's
// trashcan. Runs off every connection lock.
func (s *Session) quarantine(conn *Connection) {

	if s.isShutdown() {
		return
	}

	s.poolLock.Lock()
	defer s.poolLock.Unlock()

	if existing, ok := s.pools.Get(conn.Host().Address); ok {
		existing.(*hostPool).trashcanPut(conn)
	}
}

func (s *Session) markHost(host *Host, err error) {
	if feedback, ok := s.policy.(HostFeedback); ok && host != nil {
		feedback.MarkHostResult(host, err)
	}
}

// AddHost registers an externally discovered host.
func (s *Session) AddHost(address string, distance HostDistance) {
	s.hosts.Set(address, NewHost(address, distance))
	s.policy.SetHosts(s.knownHosts())
}

// RemoveHost drops a host and frees its pool.
func (s *Session) RemoveHost(address string) {

	s.hosts.Remove(address)
	s.policy.SetHosts(s.knownHosts())

	s.poolLock.Lock()
	defer s.poolLock.Unlock()

	if existing, ok := s.pools.Get(address); ok {
		existing.(*hostPool).shutdown(ErrConnectionLost)
		s.pools.Remove(address)
	}
}

// SetHostDistance reclassifies a known host. The host's pool picks the
// new distance up immediately so recycle and sizing limits never run on a
// stale class; the active set itself shrinks or grows on the next
// allocation sweep.
func (s *Session) SetHostDistance(address string, distance HostDistance) {
	if _, ok := s.hosts.Get(address); !ok {
		return
	}
	host := NewHost(address, distance)
	s.hosts.Set(address, host)
	s.policy.SetHosts(s.knownHosts())

	s.poolLock.Lock()
	if existing, ok := s.pools.Get(address); ok {
		existing.(*hostPool).host = host
	}
	s.poolLock.Unlock()
}

func (s *Session) knownHosts() []*Host {
	hosts := make([]*Host, 0, s.hosts.Count())
	for item := range s.hosts.IterBuffered() {
		hosts = append(hosts, item.Val.(*Host))
	}
	return hosts
}

// Close drains every in-flight request with ErrSessionClosing and frees
// every connection in every pool and trashcan. Safe to call concurrently
// with in-flight Execute calls and with itself.
func (s *Session) Close() {

	s.shutdownOnce.Do(func() {
		atomic.StoreInt32(&s.state, stateClosing)
		close(s.shutdownSignal)

		s.poolLock.Lock()
		for item := range s.pools.IterBuffered() {
			item.Val.(*hostPool).shutdown(ErrSessionClosing)
			s.pools.Remove(item.Key)
		}
		s.poolLock.Unlock()

		s.bg.Wait()
		atomic.StoreInt32(&s.state, stateClosed)
		s.logger.Info().Msg("session closed")
	})
}

// Ready reports whether at least one usable pool exists.
func (s *Session) Ready() bool {
	return atomic.LoadInt32(&s.state) == stateReady && !s.Empty()
}

// Defunct reports whether the session is terminally unusable.
func (s *Session) Defunct() bool {
	return atomic.LoadInt32(&s.defunct) == 1
}

// Size reports the total number of active pooled connections.
func (s *Session) Size() int {

	s.poolLock.Lock()
	defer s.poolLock.Unlock()

	total := 0
	for item := range s.pools.IterBuffered() {
		total += item.Val.(*hostPool).size()
	}
	return total
}

// Empty reports whether no active connections remain.
func (s *Session) Empty() bool {
	return s.Size() == 0
}

// Sequence returns the diagnostic request counter.
func (s *Session) Sequence() uint64 {
	return atomic.LoadUint64(&s.seq)
}

func (s *Session) isShutdown() bool {
	select {
	case <-s.shutdownSignal:
		return true
	default:
		return false
	}
}

func (s *Session) requestTimeout(req *Request) time.Duration {
	if req.Timeout > 0 {
		return time.Duration(req.Timeout) * time.Millisecond
	}
	return time.Duration(s.config.RequestConfig.RequestTimeout) * time.Millisecond
}

// replenisher keeps host pools at capacity in the background, backing off
// exponentially while the cluster is unreachable.
func (s *Session) replenisher(interval time.Duration) {

	defer s.bg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownSignal:
			return
		case <-ticker.C:
			if err := s.replenish(); err != nil {
				wait := bo.NextBackOff()
				s.logger.Debug().Err(err).Dur("backoff", wait).Msg("pool replenish failed")
				select {
				case <-time.After(wait):
				case <-s.shutdownSignal:
					return
				}
			} else {
				bo.Reset()
			}
		}
	}
}

func (s *Session) replenish() error {

	var firstErr error
	for _, host := range s.knownHosts() {
		if host.Distance == HostIgnored {
			continue
		}
		if s.isShutdown() {
			return nil
		}

		_, err := s.topUp(host)
		if err != nil && firstErr == nil && !errors.Is(err, ErrSessionClosing) {
			firstErr = err
		}
	}
	return firstErr
}

// heartbeats pings every active connection at the configured interval.
// A missed ping feeds the connection's failure count; it never tears a
// connection down by itself.
func (s *Session) heartbeats(interval time.Duration) {

	defer s.bg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownSignal:
			return
		case <-ticker.C:
			for _, conn := range s.activeConnections() {
				go s.ping(conn)
			}
		}
	}
}

func (s *Session) activeConnections() []*Connection {

	s.poolLock.Lock()
	defer s.poolLock.Unlock()

	var conns []*Connection
	for item := range s.pools.IterBuffered() {
		pool := item.Val.(*hostPool)
		conns = append(conns, pool.active...)
	}
	return conns
}

// ping exits on its own once the response lands, the deadline passes or
// the connection is drained, so it is not tracked by the shutdown group.
func (s *Session) ping(conn *Connection) {

	pr := newPendingRequest(&Request{Kind: KindPing})
	id, err := conn.Send(pr)
	if err != nil {
		return
	}

	timer := time.NewTimer(s.requestTimeout(pr.Request))
	defer timer.Stop()

	select {
	case <-pr.Done():
	case <-timer.C:
		conn.Expire(id, pr)
	case <-s.shutdownSignal:
	}
}
