package cqs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hailocab/go-hostpool"
)

// QueryPlan is a lazily-produced, finite, non-restartable sequence of
// candidate hosts for one request. It enumerates only hosts known when the
// plan was created, each at most once, and is consumed left to right.
type QueryPlan interface {
	Next() (*Host, bool)
}

// LoadBalancingPolicy produces a query plan per request. Implementations
// are notified of topology through SetHosts and must skip ignored hosts.
type LoadBalancingPolicy interface {
	NewQueryPlan(req *Request) QueryPlan
	SetHosts(hosts []*Host)
}

// HostFeedback is optionally implemented by policies that want to hear the
// terminal outcome of each request against the host that served it.
type HostFeedback interface {
	MarkHostResult(host *Host, err error)
}

// sliceQueryPlan walks a pre-ordered host slice once.
type sliceQueryPlan struct {
	hosts []*Host
	next  int
}

func (qp *sliceQueryPlan) Next() (*Host, bool) {
	for qp.next < len(qp.hosts) {
		host := qp.hosts[qp.next]
		qp.next++
		if host.Distance == HostIgnored {
			continue
		}
		return host, true
	}
	return nil, false
}

// RoundRobinPolicy rotates a cursor over all known hosts so consecutive
// plans start at consecutive hosts.
type RoundRobinPolicy struct {
	lock   sync.RWMutex
	hosts  []*Host
	cursor uint64
}

// NewRoundRobinPolicy creates the default load-balancing policy.
func NewRoundRobinPolicy(hosts ...*Host) *RoundRobinPolicy {
	rr := &RoundRobinPolicy{}
	rr.SetHosts(hosts)
	return rr
}

// SetHosts replaces the known host set. Plans already handed out keep
// their snapshot.
func (rr *RoundRobinPolicy) SetHosts(hosts []*Host) {
	snapshot := make([]*Host, len(hosts))
	copy(snapshot, hosts)

	rr.lock.Lock()
	rr.hosts = snapshot
	rr.lock.Unlock()
}

// NewQueryPlan yields every currently known non-ignored host exactly once,
// starting at the rotating cursor.
func (rr *RoundRobinPolicy) NewQueryPlan(_ *Request) QueryPlan {

	rr.lock.RLock()
	known := rr.hosts
	rr.lock.RUnlock()

	if len(known) == 0 {
		return &sliceQueryPlan{}
	}

	start := int(atomic.AddUint64(&rr.cursor, 1) % uint64(len(known)))
	ordered := make([]*Host, 0, len(known))
	for i := 0; i < len(known); i++ {
		ordered = append(ordered, known[(start+i)%len(known)])
	}

	return &sliceQueryPlan{hosts: ordered}
}

// EpsilonGreedyPolicy orders plans by observed host performance using a
// weighted host pool: the best-scoring host leads, the remaining known
// hosts follow so the plan still covers the cluster.
type EpsilonGreedyPolicy struct {
	lock  sync.RWMutex
	hosts map[string]*Host
	pool  hostpool.HostPool
	decay time.Duration

	// marking queues one scoring response per outstanding plan led by the
	// host, oldest first, so overlapping plans never drop an observation
	marking map[string][]hostpool.HostPoolResponse
}

// NewEpsilonGreedyPolicy creates a latency-aware policy. decayDuration
// controls how quickly old observations stop mattering; zero picks the
// host pool's default.
func NewEpsilonGreedyPolicy(decayDuration time.Duration, hosts ...*Host) *EpsilonGreedyPolicy {
	eg := &EpsilonGreedyPolicy{
		hosts:   make(map[string]*Host),
		decay:   decayDuration,
		marking: make(map[string][]hostpool.HostPoolResponse),
	}
	eg.SetHosts(hosts)
	return eg
}

// SetHosts replaces the known host set and rebuilds the scoring pool.
func (eg *EpsilonGreedyPolicy) SetHosts(hosts []*Host) {

	eg.lock.Lock()
	defer eg.lock.Unlock()

	eg.hosts = make(map[string]*Host, len(hosts))
	addresses := make([]string, 0, len(hosts))
	for _, host := range hosts {
		eg.hosts[host.Address] = host
		if host.Distance != HostIgnored {
			addresses = append(addresses, host.Address)
		}
	}

	if len(addresses) == 0 {
		eg.pool = nil
		return
	}
	eg.pool = hostpool.NewEpsilonGreedy(addresses, eg.decay, &hostpool.LinearEpsilonValueCalculator{})
}

// NewQueryPlan asks the host pool for the current best host, then appends
// the remaining known hosts. Each host appears at most once.
func (eg *EpsilonGreedyPolicy) NewQueryPlan(_ *Request) QueryPlan {

	eg.lock.Lock()
	defer eg.lock.Unlock()

	if eg.pool == nil {
		return &sliceQueryPlan{}
	}

	response := eg.pool.Get()
	leader := response.Host()
	eg.marking[leader] = append(eg.marking[leader], response)

	ordered := make([]*Host, 0, len(eg.hosts))
	if host, ok := eg.hosts[leader]; ok {
		ordered = append(ordered, host)
	}
	for address, host := range eg.hosts {
		if address == leader || host.Distance == HostIgnored {
			continue
		}
		ordered = append(ordered, host)
	}

	return &sliceQueryPlan{hosts: ordered}
}

// MarkHostResult feeds the terminal outcome back into the scoring pool,
// resolving the oldest outstanding response for the host.
func (eg *EpsilonGreedyPolicy) MarkHostResult(host *Host, err error) {

	eg.lock.Lock()
	defer eg.lock.Unlock()

	queued := eg.marking[host.Address]
	if len(queued) == 0 {
		return
	}
	response := queued[0]
	if len(queued) == 1 {
		delete(eg.marking, host.Address)
	} else {
		eg.marking[host.Address] = queued[1:]
	}
	response.Mark(err)
}
